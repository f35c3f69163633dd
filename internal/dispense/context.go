package dispense

import "time"

// Phase is the engine's position in the three-phase cycle state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePurgeOpen
	PhasePurgeWiggle
	PhasePurgeSettle
	PhaseCloseMoving
	PhaseCloseDetectSpike
	PhaseCloseBackoff
	PhaseTare
	PhaseDispenseAuger
	PhaseDispenseSettle
	PhaseComplete
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhasePurgeOpen:
		return "PurgeOpen"
	case PhasePurgeWiggle:
		return "PurgeWiggle"
	case PhasePurgeSettle:
		return "PurgeSettle"
	case PhaseCloseMoving:
		return "CloseMoving"
	case PhaseCloseDetectSpike:
		return "CloseDetectSpike"
	case PhaseCloseBackoff:
		return "CloseBackoff"
	case PhaseTare:
		return "Tare"
	case PhaseDispenseAuger:
		return "DispenseAuger"
	case PhaseDispenseSettle:
		return "DispenseSettle"
	case PhaseComplete:
		return "Complete"
	case PhaseError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Context is the plain-data state of one feed, created per feed, mutated
// between phases, and discarded at cycle end.
type Context struct {
	RecipeUID    uint32
	TotalTargetG float64
	DispensedG   float64
	Servings     uint16

	BatchTargetG    float64
	BatchDispensedG float64

	PerIngredientRemainingG []float64

	LearnedCloseUs  int
	CloseCalibrated bool

	Phase          Phase
	Err            error
	PhaseStartedAt time.Time
	WiggleCount    int
	CloseAttempts  int
	PreCloseWeight float64
}
