package domain

// Outcome enumerates terminal results reported for a dial attempt.
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeTransferred   Outcome = "transferred"
	OutcomeCallback      Outcome = "callback"
	OutcomeVoicemail     Outcome = "voicemail"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeBusy          Outcome = "busy"
	OutcomeFailed        Outcome = "failed"
	OutcomeInvalidNumber Outcome = "invalid_number"
	OutcomeOptedOut      Outcome = "opted_out"
)

// Connected reports whether the subscriber actually picked up. Feeds the
// pool selector's pickup-rate stats.
func (o Outcome) Connected() bool {
	switch o {
	case OutcomeAnswered, OutcomeTransferred, OutcomeCallback:
		return true
	}
	return false
}

// Permanent reports whether the outcome is an irrecoverable delivery error
// for which no retry can ever succeed.
func (o Outcome) Permanent() bool {
	switch o {
	case OutcomeInvalidNumber, OutcomeOptedOut:
		return true
	}
	return false
}

// Transfer reports whether the outcome handed the subscriber off to a
// downstream human; such attempts keep their admission lock alive for a
// safety window after completion.
func (o Outcome) Transfer() bool {
	return o == OutcomeTransferred
}

// OutcomeClass buckets outcomes for the retry state machine.
type OutcomeClass int

const (
	ClassRetryable OutcomeClass = iota
	ClassSuccessTerminal
	ClassSuccessReschedule
	ClassPermanentFailure
)

// Classify resolves an outcome against the configured success set. An
// explicit callback request always reschedules rather than completing.
func Classify(o Outcome, successSet map[Outcome]struct{}, hasCallback bool) OutcomeClass {
	if o.Permanent() {
		return ClassPermanentFailure
	}
	if _, ok := successSet[o]; ok {
		return ClassSuccessTerminal
	}
	if o == OutcomeCallback || hasCallback {
		return ClassSuccessReschedule
	}
	return ClassRetryable
}
