package agentview

import "hash/fnv"

// palette mirrors the teacher's per-agent ANSI color set from
// internal/agents/colors.go, adapted from a fixed keyword match to a
// deterministic hash over the worker name, since worker names here are
// caller-chosen strings rather than a small fixed set of agent configs.
var palette = []struct {
	fg    string
	emoji string
}{
	{"\x1b[38;2;34;197;94m", "\U0001F7E2"},  // green circle
	{"\x1b[38;2;168;85;247m", "\U0001F7E3"}, // purple circle
	{"\x1b[38;2;239;68;68m", "\U0001F534"},  // red circle
	{"\x1b[38;2;6;182;212m", "\U0001F40D"},  // snake (cyan)
	{"\x1b[38;2;234;179;8m", "⭐"},      // gold star
	{"\x1b[38;2;14;165;233m", "\U0001F535"}, // blue circle
}

const resetANSI = "\x1b[0m"

// WorkerColor is the stable display color assigned to a worker name.
type WorkerColor struct {
	FgColor string
	Emoji   string
	Reset   string
}

// ColorFor deterministically assigns a WorkerColor to name: the same
// name always gets the same entry from the palette, matching the
// teacher's goal of letting a reader visually track one agent across a
// session even though the assignment here is hash-based rather than a
// substring match against a known config name.
func ColorFor(name string) WorkerColor {
	h := fnv.New32a()
	h.Write([]byte(name))
	entry := palette[int(h.Sum32())%len(palette)]
	return WorkerColor{FgColor: entry.fg, Emoji: entry.emoji, Reset: resetANSI}
}
