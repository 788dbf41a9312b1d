package voice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/tidwall/gjson"
	"pgregory.net/rapid"
)

func TestTranscriptKeepsArrivalOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(rt, nil)
		h.connect(rt)
		defer func() { _ = h.ctrl.Stop(context.Background()) }()

		n := rapid.IntRange(1, 12).Draw(rt, "turns")
		var want []domain.ConversationTurn
		for i := 0; i < n; i++ {
			text := rapid.StringMatching(`[a-z]{1,10}( [a-z]{1,8}){0,3}`).Draw(rt, fmt.Sprintf("text%d", i))
			if rapid.Bool().Draw(rt, fmt.Sprintf("user%d", i)) {
				h.message(userTranscript(text))
				want = append(want, domain.ConversationTurn{Role: domain.RoleUser, Text: text})
			} else {
				h.message(`{"type":"response.audio_transcript.done","transcript":"` + text + `"}`)
				want = append(want, domain.ConversationTurn{Role: domain.RoleAssistant, Text: text})
			}
		}
		waitUntil(rt, "all turns", func() bool { return len(h.ctrl.Status().Turns) == n })

		got := h.ctrl.Status().Turns
		for i := range want {
			if got[i].Role != want[i].Role || got[i].Text != want[i].Text {
				rt.Fatalf("turn %d = %s %q, want %s %q", i, got[i].Role, got[i].Text, want[i].Role, want[i].Text)
			}
			if i > 0 && got[i].Timestamp.Before(got[i-1].Timestamp) {
				rt.Fatalf("turn %d timestamp goes backwards", i)
			}
		}

		if err := h.ctrl.Stop(context.Background()); err != nil {
			rt.Fatalf("Stop failed: %v", err)
		}
		saved := h.store.saved()
		if len(saved) != 1 || len(saved[0].Turns) != n {
			rt.Fatalf("expected one saved conversation with %d turns", n)
		}
	})
}

func TestOneOutputPerCallID(t *testing.T) {
	toolNames := []string{"getBatteryLevel", "searchSchemes", "notATool"}

	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(rt, nil)
		h.connect(rt)
		defer func() { _ = h.ctrl.Stop(context.Background()) }()

		calls := rapid.IntRange(1, 15).Draw(rt, "calls")
		expected := map[string]bool{}
		for i := 0; i < calls; i++ {
			callID := fmt.Sprintf("call_%d", rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("id%d", i)))
			name := rapid.SampledFrom(toolNames).Draw(rt, fmt.Sprintf("tool%d", i))
			h.message(functionCall(name, callID, `{}`))
			if name != "notATool" {
				expected[callID] = true
			}
		}
		h.message(userTranscript("marker"))
		waitUntil(rt, "marker", func() bool { return len(h.ctrl.Status().Turns) == 1 })

		outputs := func() map[string]int {
			counts := map[string]int{}
			for _, m := range h.transport.link().messages() {
				if gjson.GetBytes(m, "type").String() == "conversation.item.create" {
					counts[gjson.GetBytes(m, "item.call_id").String()]++
				}
			}
			return counts
		}
		waitUntil(rt, "tool outputs", func() bool {
			return len(outputs()) == len(expected) && h.ctrl.Status().PendingTools == 0
		})
		time.Sleep(5 * time.Millisecond)

		for id, count := range outputs() {
			if !expected[id] {
				rt.Fatalf("unexpected output for %s", id)
			}
			if count != 1 {
				rt.Fatalf("%s answered %d times", id, count)
			}
		}
	})
}
