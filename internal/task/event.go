package task

// Event is something a task reports to its owner.
type Event interface {
	ObjectID() string
	isEvent()
}

// Ready means some peer can serve bytes the task is missing.
type Ready struct{ ID string }

// NotReady means no connected peer can serve anything the task is missing.
type NotReady struct{ ID string }

// Completed is the last event a task emits. Err is nil after a verified
// download, ErrCancelled after Cancel, and ErrCorrupted once verification
// gave up.
type Completed struct {
	ID   string
	Hash string
	Err  error
}

// PartDownloaded reports a fully downloaded part this device can now serve.
type PartDownloaded struct {
	ID     string
	Offset int64
	Length int64
}

type Progress struct {
	ID       string
	Received int64
	Size     int64
}

func (e Ready) ObjectID() string          { return e.ID }
func (e NotReady) ObjectID() string       { return e.ID }
func (e Completed) ObjectID() string      { return e.ID }
func (e PartDownloaded) ObjectID() string { return e.ID }
func (e Progress) ObjectID() string       { return e.ID }

func (Ready) isEvent()          {}
func (NotReady) isEvent()       {}
func (Completed) isEvent()      {}
func (PartDownloaded) isEvent() {}
func (Progress) isEvent()       {}

type Emitter interface {
	Emit(Event)
}
