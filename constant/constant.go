package constant

type RecordingState string

const (
	RecordingStateIdle      RecordingState = "IDLE"
	RecordingStatePreparing RecordingState = "PREPARING"
	RecordingStateRecording RecordingState = "RECORDING"
	RecordingStateRotating  RecordingState = "ROTATING"
	RecordingStateStopped   RecordingState = "STOPPED"
	RecordingStateError     RecordingState = "ERROR"
)

func (s RecordingState) String() string {
	return string(s)
}

// Label is the short status text shown next to the recorder controls.
func (s RecordingState) Label() string {
	switch s {
	case RecordingStatePreparing:
		return "preparing"
	case RecordingStateRecording:
		return "recording"
	case RecordingStateRotating:
		return "switching recorder"
	case RecordingStateStopped:
		return "stopped"
	case RecordingStateError:
		return "error"
	default:
		return "idle"
	}
}

type RecorderState string

const (
	RecorderStateInactive  RecorderState = "inactive"
	RecorderStateRecording RecorderState = "recording"
)

type Table string

const (
	TableTemps  Table = "Temps"
	TableChunks Table = "Chunks"
)

func (t Table) String() string {
	return string(t)
}

type LiveStatus string

const (
	LiveStatusOnAir   LiveStatus = "ON_AIR"
	LiveStatusEnded   LiveStatus = "ENDED"
	LiveStatusUnknown LiveStatus = "UNKNOWN"
)

type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandReset  Command = "reset"
	CommandClear  Command = "clear"
	CommandReload Command = "reload"
)

type EventType string

const (
	EventClipAdded     EventType = "clip_added"
	EventClipsEvicted  EventType = "clips_evicted"
	EventStatusChanged EventType = "status_changed"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
