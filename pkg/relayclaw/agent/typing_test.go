package agent

import "testing"

func TestTypingInstant(t *testing.T) {
	c := NewTypingController(TypingInstant, false)
	if c.OnText("   ") != TypingNone {
		t.Error("whitespace triggered typing")
	}
	if c.OnText(NoReplySentinel) != TypingNone {
		t.Error("sentinel triggered typing")
	}
	if c.OnText("hel") != TypingStart {
		t.Error("instant mode must start on first partial text")
	}
	if c.OnText("hello") != TypingNone {
		t.Error("instant mode restarted on later text")
	}
	if c.OnRunEnd() != TypingStop {
		t.Error("missing stop at run end")
	}
}

func TestTypingMessage(t *testing.T) {
	t.Run("waits for a finished block", func(t *testing.T) {
		c := NewTypingController(TypingMessage, false)
		if c.OnText("partial text") != TypingNone {
			t.Error("message mode typed on partial text")
		}
		if c.OnBlock("   ") != TypingNone {
			t.Error("whitespace block triggered typing")
		}
		if c.OnBlock("hello") != TypingStart {
			t.Error("first block must start typing")
		}
		if c.OnBlock("hello again") != TypingNone {
			t.Error("typing restarted on a later block")
		}
		if c.OnRunEnd() != TypingStop {
			t.Error("missing stop at run end")
		}
	})

	t.Run("tool result counts as output", func(t *testing.T) {
		c := NewTypingController(TypingMessage, false)
		if c.OnToolResult("") != TypingNone {
			t.Error("empty tool output triggered typing")
		}
		if c.OnToolResult("wrote 3 files") != TypingStart {
			t.Error("tool result must start typing")
		}
		if c.OnBlock("done") != TypingNone {
			t.Error("typing restarted after tool result")
		}
	})
}

func TestTypingThinking(t *testing.T) {
	c := NewTypingController(TypingThinking, false)
	if c.OnReasoning() != TypingLoopStart {
		t.Error("reasoning must start the typing loop")
	}
	if c.OnReasoning() != TypingNone {
		t.Error("loop restarted while already looping")
	}
	if c.OnReasoningEnd() != TypingStop {
		t.Error("reasoning end must stop the loop")
	}
	if c.OnText("answer") != TypingStart {
		t.Error("plain delta after reasoning should one-shot")
	}
}

func TestTypingNeverAndHeartbeat(t *testing.T) {
	t.Run("never mode stays silent", func(t *testing.T) {
		c := NewTypingController(TypingNever, false)
		if c.OnText("x") != TypingNone || c.OnBlock("x") != TypingNone || c.OnReasoning() != TypingNone {
			t.Error("never mode produced a typing action")
		}
		if c.OnRunEnd() != TypingNone {
			t.Error("never mode stopped something it never started")
		}
	})

	t.Run("heartbeat overrides any mode", func(t *testing.T) {
		c := NewTypingController(TypingInstant, true)
		if c.OnText("x") != TypingNone || c.OnBlock("x") != TypingNone {
			t.Error("heartbeat run produced a typing action")
		}
	})
}

func TestTypingSuppressedSentinels(t *testing.T) {
	c := NewTypingController(TypingMessage, false)
	if c.OnBlock(NoReplySentinel) != TypingNone {
		t.Error("NO_REPLY triggered typing")
	}
	if c.OnBlock(HeartbeatOKToken) != TypingNone {
		t.Error("HEARTBEAT_OK triggered typing")
	}
	if c.OnToolResult(NoReplySentinel) != TypingNone {
		t.Error("sentinel tool output triggered typing")
	}
}
