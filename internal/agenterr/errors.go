package agenterr

import "errors"

var (
	ErrClassification     = errors.New("classification failed")
	ErrGeneration         = errors.New("generation failed")
	ErrFallback           = errors.New("fallback answer failed")
	ErrRefinement         = errors.New("refinement failed")
	ErrDelivery           = errors.New("reply delivery failed")
	ErrBufferDispatch     = errors.New("buffer dispatch failed")
	ErrReviewNotification = errors.New("review notification failed")
	ErrInvalidSignature   = errors.New("invalid signature")
)
