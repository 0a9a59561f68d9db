package domain

import (
	"fmt"
	"slices"
)

// Action names a subscription log entry.
type Action string

const (
	ActionTrialExpired                Action = "TRIAL_EXPIRED"
	ActionTrialExpiredPaymentRequired Action = "TRIAL_EXPIRED_PAYMENT_REQUIRED"
	ActionRenew                       Action = "RENEW"
	ActionExpired                     Action = "EXPIRED"
	ActionPaymentAttempt              Action = "PAYMENT_ATTEMPT"
	ActionNextPaymentAttemptScheduled Action = "NEXT_PAYMENT_ATTEMPT_SCHEDULED"
	ActionPaymentRetryDue             Action = "PAYMENT_RETRY_DUE"
	ActionPostTrialPaymentSuccess     Action = "POST_TRIAL_PAYMENT_SUCCESS"
	ActionFallbackApplied             Action = "FALLBACK_APPLIED"
	ActionFallbackPlanCreated         Action = "FALLBACK_PLAN_CREATED"
	ActionPaymentUnapplied            Action = "PAYMENT_UNAPPLIED"
)

// Transition is the status an action requires and the status it leaves.
type Transition struct {
	From Status
	To   Status
}

// Changes reports whether the action moves the subscription to another status.
func (t Transition) Changes() bool { return t.From != t.To }

var transitions = map[Action]Transition{
	ActionTrialExpired:                {From: StatusTrial, To: StatusActive},
	ActionTrialExpiredPaymentRequired: {From: StatusTrial, To: StatusPaymentRequired},
	ActionRenew:                       {From: StatusActive, To: StatusActive},
	ActionExpired:                     {From: StatusActive, To: StatusCancelled},
	ActionPaymentAttempt:              {From: StatusPaymentRequired, To: StatusPaymentRequired},
	ActionNextPaymentAttemptScheduled: {From: StatusPaymentRequired, To: StatusPaymentRequired},
	ActionPaymentRetryDue:             {From: StatusPaymentRequired, To: StatusPaymentRequired},
	ActionPostTrialPaymentSuccess:     {From: StatusPaymentRequired, To: StatusActive},
	ActionFallbackApplied:             {From: StatusPaymentRequired, To: StatusCancelled},
	ActionFallbackPlanCreated:         {From: StatusActive, To: StatusActive},
}

// recordOnly actions never change the status and are allowed from each
// listed status.
var recordOnly = map[Action][]Status{
	ActionPaymentUnapplied: {StatusActive, StatusCancelled},
}

// TransitionFor looks up the allowed transition of an action with a single
// source status.
func TransitionFor(action Action) (Transition, bool) {
	t, ok := transitions[action]
	return t, ok
}

// CanApply reports whether action is allowed while in status from.
func CanApply(action Action, from Status) bool {
	_, err := checkTransition(action, from)
	return err == nil
}

func checkTransition(action Action, from Status) (Transition, error) {
	if allowed, ok := recordOnly[action]; ok {
		if !slices.Contains(allowed, from) {
			return Transition{}, fmt.Errorf("%w: %s from %s", ErrTransitionNotAllowed, action, from)
		}
		return Transition{From: from, To: from}, nil
	}

	t, ok := transitions[action]
	if !ok {
		return Transition{}, fmt.Errorf("%w: unknown action %s", ErrTransitionNotAllowed, action)
	}
	if t.From != from {
		return Transition{}, fmt.Errorf("%w: %s from %s", ErrTransitionNotAllowed, action, from)
	}
	return t, nil
}

// ReplayLogs walks a log trail from the initial status and returns the
// status it ends in. A row whose action is not allowed from the status
// reached so far is an error.
func ReplayLogs(initial Status, logs []*SubscriptionLog) (Status, error) {
	current := initial
	for i, entry := range logs {
		t, err := checkTransition(entry.Action, current)
		if err != nil {
			return current, fmt.Errorf("log %d (%s): %w", i, entry.ID, err)
		}
		current = t.To
	}
	return current, nil
}
