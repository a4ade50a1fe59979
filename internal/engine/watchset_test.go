package engine

import "testing"

func TestWatchSetTransitions(t *testing.T) {
	t.Parallel()
	w := NewWatchSet()

	if first := w.Add("BTCUSDT@binance", "o1"); !first {
		t.Error("first holder should report a subscribe transition")
	}
	if first := w.Add("BTCUSDT@binance", "o2"); first {
		t.Error("second holder must not report a subscribe transition")
	}
	if !w.Has("BTCUSDT@binance", "o1") {
		t.Error("Has(o1) = false")
	}

	if empty := w.Remove("BTCUSDT@binance", "o1"); empty {
		t.Error("set still has a holder, no unsubscribe transition expected")
	}
	if empty := w.Remove("BTCUSDT@binance", "o2"); !empty {
		t.Error("removing the last holder should report an unsubscribe transition")
	}
	if len(w.Keys()) != 0 {
		t.Errorf("Keys = %v, want empty", w.Keys())
	}
}

func TestWatchSetRemoveUnknown(t *testing.T) {
	t.Parallel()
	w := NewWatchSet()
	if empty := w.Remove("BTCUSDT@binance", "missing"); empty {
		t.Error("removing from an unknown key must not report a transition")
	}
}
