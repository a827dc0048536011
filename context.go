package apmz

import "context"

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "apmz"
)

// contextBundle holds the transaction and its active segment in a single
// context value. A nil segment means new segments attach to the root.
type contextBundle struct {
	tx      *Transaction
	segment *Segment
}

func bundleFrom(ctx context.Context) *contextBundle {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(bundleKey).(*contextBundle)
	return b
}

func withBundle(ctx context.Context, b *contextBundle) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bundleKey, b)
}

// WithTransaction returns a context carrying tx with its root segment active.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	if tx == nil {
		if ctx == nil {
			return context.Background()
		}
		return ctx
	}
	return withBundle(ctx, &contextBundle{tx: tx, segment: tx.trace.root})
}

// TransactionFromContext returns the transaction carried by ctx, or nil.
func TransactionFromContext(ctx context.Context) *Transaction {
	if b := bundleFrom(ctx); b != nil {
		return b.tx
	}
	return nil
}

// ActiveSegment returns the segment that will parent the next segment
// started from ctx. Returns nil if ctx carries no transaction.
func ActiveSegment(ctx context.Context) *Segment {
	b := bundleFrom(ctx)
	if b == nil || b.tx == nil {
		return nil
	}
	if b.segment == nil {
		return b.tx.trace.root
	}
	return b.segment
}

// WithActiveSegment overrides the active segment for contexts derived from
// the result. Passing nil detaches from any segment: later segments attach
// directly under the transaction root.
func WithActiveSegment(ctx context.Context, seg *Segment) context.Context {
	if seg == nil {
		b := bundleFrom(ctx)
		if b == nil {
			if ctx == nil {
				return context.Background()
			}
			return ctx
		}
		return withBundle(ctx, &contextBundle{tx: b.tx})
	}
	return withBundle(ctx, &contextBundle{tx: seg.trace.tx, segment: seg})
}

// StartSegment starts a child of the active segment in ctx and returns a
// context in which the new segment is active. Each goroutine that derives
// its context from the result sees the new segment as its parent, regardless
// of segments started or finished by sibling goroutines.
func StartSegment(ctx context.Context, name Key) (context.Context, *Segment, error) {
	b := bundleFrom(ctx)
	if b == nil || b.tx == nil || b.tx.IsEnded() {
		return ctx, nil, ErrNoActiveTransaction
	}

	parent := b.segment
	if parent == nil {
		parent = b.tx.trace.root
	}

	seg, err := parent.CreateChild(name)
	if err != nil {
		return ctx, nil, err
	}
	return withBundle(ctx, &contextBundle{tx: b.tx, segment: seg}), seg, nil
}
