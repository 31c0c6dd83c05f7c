package grbl

import (
	"strconv"
	"strings"

	"codeberg.org/mutker/sensorless/internal/machine"
)

// Report is one parsed realtime status frame, e.g.
// <Idle|MPos:10.000,5.000,0.000|FS:500,0|SG:250,248,251>.
type Report struct {
	State   machine.RunState
	MPos    [machine.NumAxes]float64
	HasPos  bool
	Load    [machine.NumAxes]int
	HasLoad bool
}

// ParseReport parses a status frame. ok is false for lines that are not
// status frames; malformed fields within a frame are skipped, not fatal,
// since a partial report is still useful to the monitor.
func ParseReport(line string) (Report, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '<' || line[len(line)-1] != '>' {
		return Report{}, false
	}

	fields := strings.Split(line[1:len(line)-1], "|")
	if len(fields) == 0 || fields[0] == "" {
		return Report{}, false
	}

	r := Report{State: machine.ParseRunState(fields[0])}

	for _, f := range fields[1:] {
		i := strings.IndexByte(f, ':')
		if i < 0 {
			continue
		}

		switch f[:i] {
		case "MPos":
			if vals, ok := parseFloats(f[i+1:]); ok {
				r.MPos = vals
				r.HasPos = true
			}
		case "SG":
			if vals, ok := parseInts(f[i+1:]); ok {
				r.Load = vals
				r.HasLoad = true
			}
		}
	}

	return r, true
}

func parseFloats(s string) ([machine.NumAxes]float64, bool) {
	var out [machine.NumAxes]float64

	parts := strings.Split(s, ",")
	if len(parts) < machine.NumAxes {
		return out, false
	}

	for i := 0; i < machine.NumAxes; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return out, false
		}
		out[i] = v
	}

	return out, true
}

func parseInts(s string) ([machine.NumAxes]int, bool) {
	var out [machine.NumAxes]int

	parts := strings.Split(s, ",")
	if len(parts) < machine.NumAxes {
		return out, false
	}

	for i := 0; i < machine.NumAxes; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return out, false
		}
		out[i] = v
	}

	return out, true
}
