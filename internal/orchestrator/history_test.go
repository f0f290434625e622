package orchestrator

import (
	"math/rand"
	"testing"

	"github.com/floegence/flowerchat/internal/chat"
)

func turn(role chat.Role, text string) chat.Message {
	return chat.Message{Role: role, Parts: []chat.Part{chat.TextPart(text)}}
}

func TestCollapseRuns_Alternates(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(20)
		msgs := make([]chat.Message, n)
		for i := range msgs {
			role := chat.RoleUser
			if rng.Intn(2) == 0 {
				role = chat.RoleModel
			}
			msgs[i] = turn(role, string(rune('a'+i)))
		}
		out := CollapseRuns(msgs)
		if len(out) == 0 {
			t.Fatalf("CollapseRuns returned nothing for %d turns", n)
		}
		for i := 1; i < len(out); i++ {
			if out[i].Role == out[i-1].Role {
				t.Fatalf("consecutive %s turns at %d", out[i].Role, i)
			}
		}
		if last, want := out[len(out)-1], msgs[n-1]; last.Role != want.Role || last.JoinText() != want.JoinText() {
			t.Fatalf("last=%+v, want %+v", last, want)
		}
	}
}

func TestCollapseRuns_KeepsLastOfEachRun(t *testing.T) {
	t.Parallel()

	msgs := []chat.Message{
		turn(chat.RoleUser, "u1"), turn(chat.RoleUser, "u2"),
		turn(chat.RoleModel, "m1"),
		turn(chat.RoleUser, "u3"),
		turn(chat.RoleModel, "m2"), turn(chat.RoleModel, "m3"),
		turn(chat.RoleUser, "u4"),
	}
	out := CollapseRuns(msgs)
	var got []string
	for _, m := range out {
		got = append(got, m.JoinText())
	}
	want := []string{"u2", "m1", "u3", "m3", "u4"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if len(CollapseRuns(nil)) != 0 {
		t.Fatalf("CollapseRuns(nil) not empty")
	}
}

func TestBuildHistory_Window(t *testing.T) {
	t.Parallel()

	var msgs []chat.Message
	for i := 0; i < 10; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleModel
		}
		msgs = append(msgs, turn(role, string(rune('0'+i))))
	}
	msgs = append(msgs, turn(chat.RoleUser, "last"))

	out := BuildHistory(msgs, 3)
	if len(out) != 3 || out[0].JoinText() != "8" || out[2].JoinText() != "last" {
		t.Fatalf("BuildHistory(3)=%+v", out)
	}
	if got := BuildHistory(msgs, 0); len(got) != len(msgs) {
		t.Fatalf("default window dropped turns: %d", len(got))
	}
}
