package playback

import "github.com/mikeyg42/streamplayer/internal/model"

// TaskKind tags a queued intent.
type TaskKind string

const (
	TaskSubscribe   TaskKind = "SUBSCRIBE"
	TaskPlay        TaskKind = "PLAY"
	TaskPause       TaskKind = "PAUSE"
	TaskUnsubscribe TaskKind = "UNSUBSCRIBE"
)

// Task is one caller or system intent waiting in the queue.
type Task interface {
	Kind() TaskKind
	isTask()
}

// Subscribe asks the session to subscribe to StreamKey.
type Subscribe struct {
	StreamKey string
}

// Play starts playback. Source is nil when the quality controller should
// pick the rendition.
type Play struct {
	StreamKey string
	Source    *model.SourceItem
}

// Pause halts playback. Stopped marks a pause that precedes an unsubscribe.
type Pause struct {
	Stopped bool
}

type Unsubscribe struct{}

func (Subscribe) Kind() TaskKind   { return TaskSubscribe }
func (Play) Kind() TaskKind        { return TaskPlay }
func (Pause) Kind() TaskKind       { return TaskPause }
func (Unsubscribe) Kind() TaskKind { return TaskUnsubscribe }

func (Subscribe) isTask()   {}
func (Play) isTask()        {}
func (Pause) isTask()       {}
func (Unsubscribe) isTask() {}

func kindOf(t Task) TaskKind {
	if t == nil {
		return ""
	}
	return t.Kind()
}
