package types

// AnnotationStatus is the lifecycle state of an Annotation. Legal
// transitions form the lattice documented on ValidTransition.
type AnnotationStatus string

const (
	StatusPending      AnnotationStatus = "pending"
	StatusAcknowledged AnnotationStatus = "acknowledged"
	StatusResolved     AnnotationStatus = "resolved"
	StatusDismissed    AnnotationStatus = "dismissed"
)

// Intent classifies what kind of feedback an annotation carries.
type Intent string

const (
	IntentFix     Intent = "fix"
	IntentChange  Intent = "change"
	IntentQuestion Intent = "question"
	IntentApprove Intent = "approve"
)

// Severity classifies how urgent an annotation is.
type Severity string

const (
	SeverityBlocking   Severity = "blocking"
	SeverityImportant  Severity = "important"
	SeveritySuggestion Severity = "suggestion"
)

// ResolverKind identifies who resolved or dismissed an annotation.
type ResolverKind string

const (
	ResolverHuman ResolverKind = "human"
	ResolverAgent ResolverKind = "agent"
)

// BoundingBox is the on-page rectangle an annotation is anchored to.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Annotation is a single piece of feedback attached to one page element.
type Annotation struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"sessionId"`
	Comment     string        `json:"comment"`
	Element     string        `json:"element"`
	ElementPath string        `json:"elementPath"`
	URL         string        `json:"url,omitempty"`
	BoundingBox *BoundingBox  `json:"boundingBox,omitempty"`
	Intent      Intent        `json:"intent,omitempty"`
	Severity    Severity      `json:"severity,omitempty"`
	Status      AnnotationStatus `json:"status"`
	ResolvedBy  ResolverKind  `json:"resolvedBy,omitempty"`
	ResolvedAt  int64         `json:"resolvedAt,omitempty"`
	CreatedAt   int64         `json:"createdAt"`
	UpdatedAt   int64         `json:"updatedAt"`

	// Context holds arbitrary optional passthrough fields (computed
	// styles, nearby text, component tree, ...) that the broker stores
	// and returns verbatim without needing to know their shape.
	Context map[string]string `json:"context,omitempty"`

	Thread []*ThreadMessage `json:"thread,omitempty"`
}

// Patch is a partial update to an Annotation. Fields left nil are
// preserved; fields set overwrite the stored value. Status changes are
// validated against ValidTransition before being applied.
type Patch struct {
	Comment     *string           `json:"comment,omitempty"`
	Status      *AnnotationStatus `json:"status,omitempty"`
	Intent      *Intent           `json:"intent,omitempty"`
	Severity    *Severity         `json:"severity,omitempty"`
	ResolvedBy  *ResolverKind     `json:"resolvedBy,omitempty"`
	URL         *string           `json:"url,omitempty"`
	BoundingBox *BoundingBox      `json:"boundingBox,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// ValidTransition reports whether an annotation may move from one status
// to another. pending is the initial state; resolved is reachable only
// via acknowledged, dismissed from either pending or acknowledged, and
// both reopen back to pending. Keeping the same status is always legal.
// dismissed -> resolved is deliberately not legal: spec leaves
// it as an open question and the base lattice does not exercise it.
func ValidTransition(from, to AnnotationStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusAcknowledged || to == StatusDismissed
	case StatusAcknowledged:
		return to == StatusResolved || to == StatusDismissed
	case StatusResolved:
		return to == StatusPending
	case StatusDismissed:
		return to == StatusPending
	}
	return false
}

// IsTerminal reports whether a status requires ResolvedAt/ResolvedBy to
// be set (resolved or dismissed).
func IsTerminal(status AnnotationStatus) bool {
	return status == StatusResolved || status == StatusDismissed
}
