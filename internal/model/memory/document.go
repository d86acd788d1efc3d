package memory

import "time"

// Observation sources recorded in the durable document.
const (
	SourceOperator           = "operator"
	SourceOperatorToExternal = "operator->external"
	SourceExternal           = "external"
)

// Exchange pairs one operator request with the responder's reply.
type Exchange struct {
	Time            time.Time `json:"time"`
	OperatorRequest string    `json:"operator_request"`
	ResponderReply  string    `json:"responder_reply"`
}

// Observation is something the responder saw but did not answer.
type Observation struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Content string    `json:"content"`
}

// LearnedFact is a durable fact about the operator.
type LearnedFact struct {
	Value     string    `json:"value"`
	LearnedAt time.Time `json:"learned_at"`
}

// Identity is the metadata block stamped into the durable document.
type Identity struct {
	Name    string `json:"name"`
	Creator string `json:"creator"`
	Role    string `json:"role"`
}

// Document is the all-time durable record.
type Document struct {
	Created      time.Time              `json:"created"`
	Identity     Identity               `json:"identity"`
	Exchanges    []Exchange             `json:"exchanges"`
	Observations []Observation          `json:"observations"`
	Learned      map[string]LearnedFact `json:"learned"`
	Preferences  map[string]string      `json:"preferences,omitempty"`
}

// NewDocument returns an empty document with all collections initialised.
func NewDocument(identity Identity, created time.Time) *Document {
	return &Document{
		Created:      created,
		Identity:     identity,
		Exchanges:    make([]Exchange, 0, 16),
		Observations: make([]Observation, 0, 16),
		Learned:      make(map[string]LearnedFact),
	}
}

// Normalize fills nil collections left behind by decoding older files.
func (d *Document) Normalize() {
	if d.Exchanges == nil {
		d.Exchanges = []Exchange{}
	}
	if d.Observations == nil {
		d.Observations = []Observation{}
	}
	if d.Learned == nil {
		d.Learned = make(map[string]LearnedFact)
	}
}

// Clone returns a deep copy safe to hand to callers outside the store lock.
func (d *Document) Clone() *Document {
	out := &Document{
		Created:      d.Created,
		Identity:     d.Identity,
		Exchanges:    append([]Exchange(nil), d.Exchanges...),
		Observations: append([]Observation(nil), d.Observations...),
		Learned:      make(map[string]LearnedFact, len(d.Learned)),
	}
	for k, v := range d.Learned {
		out.Learned[k] = v
	}
	if d.Preferences != nil {
		out.Preferences = make(map[string]string, len(d.Preferences))
		for k, v := range d.Preferences {
			out.Preferences[k] = v
		}
	}
	out.Normalize()
	return out
}

// SessionSnapshot captures one session's activity, written on shutdown.
type SessionSnapshot struct {
	SessionID    string        `json:"session_id"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Exchanges    []Exchange    `json:"exchanges"`
	Observations []Observation `json:"observations"`
}
