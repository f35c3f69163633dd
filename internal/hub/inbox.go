package hub

import (
	"errors"

	"github.com/google/uuid"
)

// CommandType tags the feed-command union.
type CommandType int

const (
	CmdNone CommandType = iota
	CmdImmediate
	CmdRecipe
	CmdEmergencyStop
	CmdTareScale
)

func (t CommandType) String() string {
	switch t {
	case CmdNone:
		return "None"
	case CmdImmediate:
		return "Immediate"
	case CmdRecipe:
		return "Recipe"
	case CmdEmergencyStop:
		return "EmergencyStop"
	case CmdTareScale:
		return "TareScale"
	default:
		return "Unknown"
	}
}

// FeedCommand is one inbox slot. TraceID correlates every log line and
// event the command produces as it flows Hub -> Dispatcher -> Engine.
type FeedCommand struct {
	Type        CommandType
	TankUID     uint64
	AmountGrams float64
	RecipeUID   uint32
	Servings    uint16
	Processed   bool
	TraceID     string
}

var (
	// ErrInboxBusy means the mailbox slot still holds an unprocessed
	// command; the caller retries after the dispatcher has consumed it.
	ErrInboxBusy = errors.New("hub: inbox holds an unprocessed command")

	// ErrSafetyEngaged rejects non-stop commands while the safety flag is
	// set; surfaced as "safety engaged" at the API boundary.
	ErrSafetyEngaged = errors.New("hub: safety engaged, command rejected")
)

// PostCommand places a command in the mailbox slot. While safety is
// engaged only EmergencyStop is accepted. Commands posted sequentially
// are observed by the dispatcher in order: the slot refuses
// a new command until the previous one was taken.
func (h *Hub) PostCommand(cmd FeedCommand) error {
	if err := h.acquire(); err != nil {
		return err
	}
	defer h.release()

	if h.state.SafetyEngaged && cmd.Type != CmdEmergencyStop {
		return ErrSafetyEngaged
	}
	if h.inbox.Type != CmdNone && !h.inbox.Processed {
		return ErrInboxBusy
	}

	cmd.Processed = false
	if cmd.TraceID == "" {
		cmd.TraceID = uuid.NewString()
	}
	h.inbox = cmd
	h.state.LastCommand = cmd

	select {
	case h.inboxNotify <- struct{}{}:
	default:
	}
	return nil
}

// CommandNotify wakes the dispatcher when a command lands in the inbox.
func (h *Hub) CommandNotify() <-chan struct{} {
	return h.inboxNotify
}

// TakeCommand consumes the pending command, marking it processed. The
// processed flag stays externally observable through State.LastCommand.
func (h *Hub) TakeCommand() (FeedCommand, bool, error) {
	if err := h.acquire(); err != nil {
		return FeedCommand{}, false, err
	}
	defer h.release()

	if h.inbox.Type == CmdNone || h.inbox.Processed {
		return FeedCommand{}, false, nil
	}
	cmd := h.inbox
	h.inbox.Processed = true
	h.state.LastCommand = h.inbox
	return cmd, true, nil
}

// StopRequested reports whether the engine must halt: the safety flag is
// set, or an unprocessed EmergencyStop sits in the inbox. An observed
// emergency stop is consumed (marked processed) so the dispatcher does
// not route it a second time. The engine consults this at the start of
// every loop iteration.
func (h *Hub) StopRequested() bool {
	if err := h.acquire(); err != nil {
		// A lock timeout during a feed errs on the side of stopping.
		return true
	}
	defer h.release()

	if h.state.SafetyEngaged {
		return true
	}
	if h.inbox.Type == CmdEmergencyStop && !h.inbox.Processed {
		h.inbox.Processed = true
		h.state.LastCommand = h.inbox
		return true
	}
	return false
}
