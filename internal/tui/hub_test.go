package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/engine"
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/vmservice"
)

// fakePoster records posted engine messages.
type fakePoster struct {
	msgs []engine.Msg
}

func (f *fakePoster) Post(msg engine.Msg) { f.msgs = append(f.msgs, msg) }

func newTestModel() (hubModel, *fakePoster) {
	poster := &fakePoster{}
	return newHubModel("test", poster, config.Default(), "/tmp/app"), poster
}

func keyMsg(s string) tea.KeyMsg {
	if s == "enter" {
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	if s == "esc" {
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func snapshotWith(views ...engine.SessionView) SnapshotMsg {
	selected := -1
	if len(views) > 0 {
		selected = 0
	}
	return SnapshotMsg{Snapshot: engine.Snapshot{Sessions: views, Selected: selected}}
}

func TestHub_DigitKeySelectsSession(t *testing.T) {
	m, poster := newTestModel()

	updated, _ := m.Update(keyMsg("3"))
	m = updated.(hubModel)

	if len(poster.msgs) != 1 {
		t.Fatalf("posted %d messages, want 1", len(poster.msgs))
	}
	sel, ok := poster.msgs[0].(engine.SelectSessionMsg)
	if !ok || sel.Pos != 2 {
		t.Fatalf("posted %#v, want SelectSessionMsg{Pos: 2}", poster.msgs[0])
	}
}

func TestHub_ReloadKeysTargetSelectedSession(t *testing.T) {
	m, poster := newTestModel()

	for _, key := range []string{"r", "R", "a", "v"} {
		updated, _ := m.Update(keyMsg(key))
		m = updated.(hubModel)
	}

	if len(poster.msgs) != 4 {
		t.Fatalf("posted %d messages, want 4", len(poster.msgs))
	}
	if _, ok := poster.msgs[0].(engine.HotReloadMsg); !ok {
		t.Fatalf("r posted %#v, want HotReloadMsg", poster.msgs[0])
	}
	if _, ok := poster.msgs[1].(engine.HotRestartMsg); !ok {
		t.Fatalf("R posted %#v, want HotRestartMsg", poster.msgs[1])
	}
	if _, ok := poster.msgs[2].(engine.ToggleAutoReloadMsg); !ok {
		t.Fatalf("a posted %#v, want ToggleAutoReloadMsg", poster.msgs[2])
	}
	if _, ok := poster.msgs[3].(engine.RetryVMMsg); !ok {
		t.Fatalf("v posted %#v, want RetryVMMsg", poster.msgs[3])
	}
}

func TestHub_CloseTargetsSelectedSession(t *testing.T) {
	m, poster := newTestModel()
	id := session.NewID()
	updated, _ := m.Update(snapshotWith(engine.SessionView{ID: id, Device: session.Device{Name: "Pixel"}}))
	m = updated.(hubModel)

	updated, _ = m.Update(keyMsg("x"))
	_ = updated

	if len(poster.msgs) != 1 {
		t.Fatalf("posted %d messages, want 1", len(poster.msgs))
	}
	closeMsg, ok := poster.msgs[0].(engine.CloseSessionMsg)
	if !ok || closeMsg.ID != id {
		t.Fatalf("posted %#v, want CloseSessionMsg for %s", poster.msgs[0], id)
	}
}

func TestHub_CloseWithoutSessionsPostsNothing(t *testing.T) {
	m, poster := newTestModel()
	updated, _ := m.Update(keyMsg("x"))
	_ = updated
	if len(poster.msgs) != 0 {
		t.Fatalf("posted %d messages, want 0", len(poster.msgs))
	}
}

func TestHub_PickerEnterCreatesSession(t *testing.T) {
	m, poster := newTestModel()
	m.picking = true
	m.pickerDevices = []session.Device{
		{ID: "emulator-5554", Name: "Pixel 7", Platform: "android"},
		{ID: "ABC", Name: "iPhone", Platform: "ios"},
	}
	m.pickerCursor = 1

	updated, _ := m.Update(keyMsg("enter"))
	m = updated.(hubModel)

	if m.picking {
		t.Fatal("picker should close after enter")
	}
	if len(poster.msgs) != 1 {
		t.Fatalf("posted %d messages, want 1", len(poster.msgs))
	}
	create, ok := poster.msgs[0].(engine.CreateSessionMsg)
	if !ok || create.Device.ID != "ABC" {
		t.Fatalf("posted %#v, want CreateSessionMsg for ABC", poster.msgs[0])
	}
}

func TestHub_PickerEscCancels(t *testing.T) {
	m, poster := newTestModel()
	m.picking = true

	updated, _ := m.Update(keyMsg("esc"))
	m = updated.(hubModel)

	if m.picking {
		t.Fatal("esc should close the picker")
	}
	if len(poster.msgs) != 0 {
		t.Fatalf("posted %d messages, want 0", len(poster.msgs))
	}
}

func TestHub_ViewRendersSessions(t *testing.T) {
	m, _ := newTestModel()
	updated, _ := m.Update(snapshotWith(engine.SessionView{
		ID:     session.NewID(),
		Device: session.Device{ID: "emulator-5554", Name: "Pixel 7"},
		Phase:  session.PhaseRunning,
		VMState: vmservice.ConnState{
			Status: vmservice.StatusConnected,
		},
		LogTail: []string{"Launching lib/main.dart..."},
	}))
	m = updated.(hubModel)

	out := m.View()
	if !strings.Contains(out, "Pixel 7") {
		t.Fatalf("view missing device name:\n%s", out)
	}
	if !strings.Contains(out, "running") {
		t.Fatalf("view missing phase:\n%s", out)
	}
	if !strings.Contains(out, "Launching lib/main.dart") {
		t.Fatalf("view missing log tail:\n%s", out)
	}
}

func TestHub_ViewRendersReconnectAttempts(t *testing.T) {
	m, _ := newTestModel()
	updated, _ := m.Update(snapshotWith(engine.SessionView{
		ID:     session.NewID(),
		Device: session.Device{Name: "Pixel"},
		Phase:  session.PhaseRunning,
		VMState: vmservice.ConnState{
			Status:      vmservice.StatusReconnecting,
			Attempt:     4,
			MaxAttempts: 10,
		},
	}))
	m = updated.(hubModel)

	if out := m.View(); !strings.Contains(out, "reconnecting 4/10") {
		t.Fatalf("view missing reconnect badge:\n%s", out)
	}
}

func TestHub_NoticeShowsInStatusLine(t *testing.T) {
	m, _ := newTestModel()
	updated, _ := m.Update(NoticeMsg{Notice: engine.Notice{Level: engine.NoticeWarn, Text: "session capacity reached"}})
	m = updated.(hubModel)

	if out := m.View(); !strings.Contains(out, "session capacity reached") {
		t.Fatalf("view missing notice:\n%s", out)
	}
}
