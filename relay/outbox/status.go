package outbox

import "fmt"

// Record status values. Stored as strings so operators can read the table
// directly.
const (
	StatusNew        = "NEW"
	StatusPublishing = "PUBLISHING"
	StatusSent       = "SENT"
	StatusFailed     = "FAILED"
	StatusDead       = "DEAD"
)

// Status represents a valid outbox record lifecycle state.
type Status string

const (
	New        Status = StatusNew
	Publishing Status = StatusPublishing
	Sent       Status = StatusSent
	Failed     Status = StatusFailed
	Dead       Status = StatusDead
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the record lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case New, Publishing, Sent, Failed, Dead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (status Status) IsTerminal() bool {
	return status == Sent || status == Dead
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. Claiming moves NEW or FAILED to PUBLISHING; the publish outcome
// moves PUBLISHING to SENT, FAILED, or DEAD. A stuck-reclaim cycle may keep
// a record in PUBLISHING while bumping attempts, and releasing an unpublished
// claim returns it to NEW.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case New:
		return next == Publishing
	case Failed:
		return next == Publishing || next == Dead
	case Publishing:
		return next == Publishing || next == Sent || next == Failed || next == Dead || next == New
	case Sent, Dead:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition using the typed
// lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}

// StatusNames lets deployments rename the stored status strings while the
// lifecycle rules keep operating on the canonical values.
type StatusNames struct {
	New        string
	Publishing string
	Sent       string
	Failed     string
	Dead       string
}

// DefaultStatusNames returns the canonical status strings.
func DefaultStatusNames() StatusNames {
	return StatusNames{
		New:        StatusNew,
		Publishing: StatusPublishing,
		Sent:       StatusSent,
		Failed:     StatusFailed,
		Dead:       StatusDead,
	}
}

// Validate ensures every name is non-empty and all names stay mutually
// distinct.
func (names StatusNames) Validate() error {
	all := []string{names.New, names.Publishing, names.Sent, names.Failed, names.Dead}
	seen := make(map[string]struct{}, len(all))

	for _, name := range all {
		if name == "" {
			return ErrStatusNameEmpty
		}

		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: %q", ErrStatusNamesClash, name)
		}

		seen[name] = struct{}{}
	}

	return nil
}

// Parse maps a stored status string back to its canonical status.
func (names StatusNames) Parse(raw string) (Status, error) {
	switch raw {
	case names.New:
		return New, nil
	case names.Publishing:
		return Publishing, nil
	case names.Sent:
		return Sent, nil
	case names.Failed:
		return Failed, nil
	case names.Dead:
		return Dead, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}
}

// Render maps a canonical status to its configured storage string.
func (names StatusNames) Render(status Status) string {
	switch status {
	case New:
		return names.New
	case Publishing:
		return names.Publishing
	case Sent:
		return names.Sent
	case Failed:
		return names.Failed
	case Dead:
		return names.Dead
	default:
		return string(status)
	}
}
