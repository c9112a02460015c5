package catalog

import "fmt"

// LimitKind names a resource limit.
type LimitKind string

const (
	LimitMem   LimitKind = "mem"   // Amount bytes, sustained for Duration seconds
	LimitCPU   LimitKind = "cpu"   // Amount percent, sustained for Duration seconds
	LimitLog   LimitKind = "log"   // Amount bytes of job log
	LimitTime  LimitKind = "time"  // Duration seconds of wall clock
	LimitJob   LimitKind = "job"   // Amount concurrent jobs per category
	LimitRetry LimitKind = "retry" // Amount retries, Duration seconds between them
	LimitQueue LimitKind = "queue" // Amount queued jobs per category
	LimitFile  LimitKind = "file"  // Amount files of at most Size bytes matching Accept
)

// Limit is one resource limit entry.
type Limit struct {
	Type     LimitKind `json:"type"`
	Amount   int64     `json:"amount,omitempty"`
	Duration int64     `json:"duration,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Accept   string    `json:"accept,omitempty"`
}

// ValidateLimits rejects incomplete or duplicate limit entries.
func ValidateLimits(limits []Limit) error {
	seen := map[LimitKind]bool{}
	for i, l := range limits {
		path := fmt.Sprintf("limits[%d] (%s)", i, l.Type)
		if seen[l.Type] {
			return fmt.Errorf("%s: %w: duplicate type", path, ErrInvalidLimit)
		}
		seen[l.Type] = true
		if l.Amount < 0 || l.Duration < 0 || l.Size < 0 {
			return fmt.Errorf("%s: %w: negative value", path, ErrInvalidLimit)
		}

		switch l.Type {
		case LimitMem, LimitCPU, LimitLog, LimitJob, LimitRetry, LimitQueue:
			if l.Amount == 0 {
				return fmt.Errorf("%s: %w: amount required", path, ErrInvalidLimit)
			}
		case LimitTime:
			if l.Duration == 0 {
				return fmt.Errorf("%s: %w: duration required", path, ErrInvalidLimit)
			}
		case LimitFile:
			if l.Amount == 0 || l.Size == 0 {
				return fmt.Errorf("%s: %w: amount and size required", path, ErrInvalidLimit)
			}
		default:
			return fmt.Errorf("%s: %w: unknown type", path, ErrInvalidLimit)
		}
	}
	return nil
}

// Limits is an effective limit set keyed by kind.
type Limits map[LimitKind]Limit

// Get returns the limit of kind k, if any.
func (ls Limits) Get(k LimitKind) (Limit, bool) {
	l, ok := ls[k]
	return l, ok
}

// Amount returns the amount of kind k, or 0 when absent.
func (ls Limits) Amount(k LimitKind) int64 {
	return ls[k].Amount
}

// EffectiveLimits layers event limits over category limits of the same kind.
func EffectiveLimits(cat *Category, ev Event) Limits {
	out := Limits{}
	if cat != nil {
		for _, l := range cat.Limits {
			out[l.Type] = l
		}
	}
	for _, l := range ev.Limits {
		out[l.Type] = l
	}
	return out
}

// EffectiveActions returns enabled category actions followed by enabled event actions.
func EffectiveActions(cat *Category, ev Event) []Action {
	var out []Action
	if cat != nil {
		for _, a := range cat.Actions {
			if a.Enabled {
				out = append(out, a)
			}
		}
	}
	for _, a := range ev.Actions {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
