package worker

import (
	"bytes"
	"encoding/json"

	"jobmaster/internal/jobs"
)

// progressLine is the JSON a job may print on stdout to report progress.
//
//	{"progress":0.4,"description":"copying"}
//	{"complete":true,"code":0,"description":"done"}
type progressLine struct {
	Progress    *float64 `json:"progress"`
	CPU         *float64 `json:"cpu"`
	Mem         *int64   `json:"mem"`
	Description string   `json:"description"`
	Complete    bool     `json:"complete"`
	Code        *int     `json:"code"`
}

// parseLine returns ok=false for anything that is not a JSON object with at least one known key.
func parseLine(line []byte) (progressLine, bool) {
	var p progressLine
	line = bytes.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' {
		return p, false
	}
	if err := json.Unmarshal(line, &p); err != nil {
		return p, false
	}
	if p.Progress == nil && p.CPU == nil && p.Mem == nil && p.Description == "" && !p.Complete && p.Code == nil {
		return p, false
	}
	return p, true
}

func (p progressLine) update() (jobs.Update, bool) {
	u := jobs.Update{Progress: p.Progress, CPU: p.CPU, Mem: p.Mem, Description: p.Description}
	return u, u.Progress != nil || u.CPU != nil || u.Mem != nil || u.Description != ""
}
