package chain

// Options are the bit flags §4.5 passes into the block pipeline
// alongside each inbound block.
type Options uint8

const (
	// OptNone applies no special handling.
	OptNone Options = 0
	// OptSync marks a block arriving as part of header/body sync, where
	// orphaning is expected and should not be logged as noteworthy.
	OptSync Options = 1 << 0
	// OptMine marks a block this node produced itself.
	OptMine Options = 1 << 1
)

func (o Options) Has(flag Options) bool { return o&flag != 0 }
