package pipeline

// Notifier receives the push notifications of a Pipeline. Calls are made from
// the pipeline's goroutines and must not block for long.
type Notifier interface {
	// Warning reports a recoverable problem; the stream continues.
	Warning(msg string, err error)
	// Error reports the single fatal error of the pipeline. Teardown follows.
	Error(err error)
	// Available is called once, when the first bytes reach the Output.
	Available()
}

// NotifierFuncs adapts optional functions to a Notifier. Nil fields are
// skipped.
type NotifierFuncs struct {
	OnWarning   func(msg string, err error)
	OnError     func(err error)
	OnAvailable func()
}

func (n NotifierFuncs) Warning(msg string, err error) {
	if n.OnWarning != nil {
		n.OnWarning(msg, err)
	}
}

func (n NotifierFuncs) Error(err error) {
	if n.OnError != nil {
		n.OnError(err)
	}
}

func (n NotifierFuncs) Available() {
	if n.OnAvailable != nil {
		n.OnAvailable()
	}
}

// Notifiers fans every notification out to each element in order.
type Notifiers []Notifier

func (ns Notifiers) Warning(msg string, err error) {
	for _, n := range ns {
		n.Warning(msg, err)
	}
}

func (ns Notifiers) Error(err error) {
	for _, n := range ns {
		n.Error(err)
	}
}

func (ns Notifiers) Available() {
	for _, n := range ns {
		n.Available()
	}
}
