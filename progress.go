package vidrelay

// Progress reports how far a single stage has advanced for one item,
// designed to be handed to an observability sink after every chunk.
type Progress struct {
	ItemID  string
	Stage   Stage
	Percent int
	Message string
}

// ProgressFunc receives progress updates. Implementations must not block;
// the transfer loop calls it inline between chunks.
type ProgressFunc func(Progress)

// ChannelSink adapts a channel into a ProgressFunc. Updates are dropped
// when the channel is full so a slow or absent receiver can never stall a
// transfer.
func ChannelSink(ch chan<- Progress) ProgressFunc {
	return func(p Progress) {
		select {
		case ch <- p:
		default:
		}
	}
}

func emit(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
