package window

import (
	"context"
	"errors"
	"testing"

	"bilirelay/internal/model"
)

func TestResolveSubstringAndClass(t *testing.T) {
	t.Parallel()

	const classA = "ClassA"
	windows := []Window{
		{Handle: 1, Title: "Alice's Chat", Class: classA},
		{Handle: 2, Title: "Bob", Class: classA},
	}
	got := Resolve(windows, Match{
		Titles:  []string{"Alice"},
		Classes: map[string]model.Generation{classA: model.Modern},
	})
	if len(got) != 1 || got[0].Handle != 1 || got[0].Generation != model.Modern {
		t.Fatalf("Resolve = %+v, want only Alice's Chat", got)
	}
}

func TestResolveRules(t *testing.T) {
	t.Parallel()

	classes := map[string]model.Generation{"TXGuiFoundation": model.Legacy, "Chrome_WidgetWin_1": model.Modern}
	windows := []Window{
		{Handle: 10, Title: "fans group B", Class: "Chrome_WidgetWin_1"},
		{Handle: 11, Title: "fans group A", Class: "Notepad"},
		{Handle: 12, Title: "Fans group A", Class: "TXGuiFoundation"},
		{Handle: 13, Title: "old fans group A", Class: "TXGuiFoundation"},
	}

	cases := []struct {
		name   string
		titles []string
		want   []uintptr
	}{
		{name: "class must match", titles: []string{"fans group A"}, want: []uintptr{13}},
		{name: "case sensitive", titles: []string{"Fans"}, want: []uintptr{12}},
		{name: "any title, enumeration order", titles: []string{"group A", "group B"}, want: []uintptr{10, 12, 13}},
		{name: "empty entry ignored", titles: []string{""}, want: nil},
		{name: "no match", titles: []string{"nobody"}, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Resolve(windows, Match{Titles: tc.titles, Classes: classes})
			if len(got) != len(tc.want) {
				t.Fatalf("got %d targets %+v, want %v", len(got), got, tc.want)
			}
			for i, h := range tc.want {
				if got[i].Handle != h {
					t.Fatalf("target %d = %#x, want %#x", i, got[i].Handle, h)
				}
			}
		})
	}
}

func TestResolverUsesDriver(t *testing.T) {
	t.Parallel()

	d := NewDryRun(nil, []Window{{Handle: 7, Title: "group", Class: "C"}})
	r := NewResolver(d)
	m := Match{Titles: []string{"group"}, Classes: map[string]model.Generation{"C": model.Legacy}}

	got, err := r.Resolve(context.Background(), m)
	if err != nil || len(got) != 1 {
		t.Fatalf("Resolve = %+v, %v", got, err)
	}

	// Fresh enumeration per call: a vanished window is not returned.
	d.SetWindows(nil)
	got, err = r.Resolve(context.Background(), m)
	if err != nil || len(got) != 0 {
		t.Fatalf("Resolve after vanish = %+v, %v", got, err)
	}

	if got, err := r.Resolve(context.Background(), Match{}); err != nil || got != nil {
		t.Fatalf("empty match = %+v, %v", got, err)
	}
}

func TestDryRunRecordsAndFails(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := NewDryRun(nil, nil)
	d.Fail = func(op string, h uintptr) error {
		if op == "post_paste" && h == 2 {
			return boom
		}
		return nil
	}

	_ = d.Show(1)
	_ = d.SetClipboardText("hi")
	_ = d.SendChord(KeyControl, KeyV)
	if err := d.PostPaste(2); !errors.Is(err, boom) {
		t.Fatalf("PostPaste err=%v", err)
	}

	calls := d.Calls()
	want := []string{"show", "clipboard_text", "chord"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i, op := range want {
		if calls[i].Op != op {
			t.Fatalf("call %d = %s, want %s", i, calls[i].Op, op)
		}
	}
	if calls[2].Detail != "0x11+0x56" {
		t.Fatalf("chord detail = %q", calls[2].Detail)
	}
	if d.Clipboard() != "hi" {
		t.Fatalf("clipboard = %q", d.Clipboard())
	}
}

func TestDryRunChordDetail(t *testing.T) {
	t.Parallel()

	cases := []struct {
		keys []uint16
		want string
	}{
		{[]uint16{KeyReturn}, "0xd"},
		{[]uint16{KeyControl, KeyV}, "0x11+0x56"},
		{nil, ""},
	}
	for _, tc := range cases {
		d := NewDryRun(nil, nil)
		_ = d.SendChord(tc.keys...)
		if got := d.Calls()[0].Detail; got != tc.want {
			t.Fatalf("SendChord(%v) detail = %q, want %q", tc.keys, got, tc.want)
		}
	}
}
