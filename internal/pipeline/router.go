package pipeline

// Route compares the final confidence with the threshold. The boundary is
// inclusive.
func Route(confidence, threshold float64) Outcome {
	if Clamp(confidence) >= threshold {
		return OutcomeAutoSent
	}
	return OutcomePendingReview
}

// shortCircuitResponse maps a short circuiting classification straight to its
// response and outcome without any generation.
func shortCircuitResponse(pre PreCheckResult) (GeneratedResponse, Outcome) {
	switch pre.Decision {
	case DecisionGreeting, DecisionClarifyIssue:
		return GeneratedResponse{
			Text:                  pre.ShortCircuitText,
			Confidence:            1,
			Reasoning:             "[Pre-Check] " + pre.Reasoning,
			AnswerableFromContext: true,
		}, OutcomeAutoSent
	default:
		return GeneratedResponse{
			Text:          "",
			Confidence:    Clamp(pre.ConfidenceHint),
			Reasoning:     "[Pre-Check Escalation] " + pre.Reasoning,
			RequiresHuman: true,
			IsFollowup:    pre.IsFollowup,
		}, OutcomePendingReview
	}
}
