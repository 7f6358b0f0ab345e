// internal/feedback/feedback.go
//
// Presentation adapter for session events.
// Maps each game.Event to the cue a client should play or show: a sound
// effect name with its volume, and for matches the ordinal banner
// ("1st!", "2nd!", ...). Nothing here touches game state.

package feedback

import (
	"strconv"

	"github.com/robalobadob/applepop/internal/game"
)

// Sound effect names understood by the web client.
const (
	SoundClick   = "sfx_click"
	SoundSuccess = "sfx_success"
	SoundWarning = "sfx_warning"
	SoundFail    = "sfx_fail"
)

// volumes per effect, 0..1
var volumes = map[string]float64{
	SoundClick:   0.5,
	SoundSuccess: 0.7,
	SoundWarning: 0.6,
	SoundFail:    0.8,
}

// Tracks is the background music rotation, played in order and looped.
var Tracks = []string{
	"apple_pop_1.mp3",
	"apple_pop_2.mp3",
	"apple_pop_3.mp3",
	"apple_pop_4.mp3",
}

// Cue is what a client renders for one event.
type Cue struct {
	Sound   string  `json:"sound,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Message string  `json:"message,omitempty"`
	Class   string  `json:"class,omitempty"` // first | second | third | other | finished
}

// For returns the cue for e, or false when the event has no feedback.
// A confirm miss is deliberately silent.
func For(e game.Event) (Cue, bool) {
	switch e.Kind {
	case game.EventTokenInteracted:
		return sound(SoundClick), true
	case game.EventSelectionRejected:
		return sound(SoundWarning), true
	case game.EventMatchFound:
		c := sound(SoundSuccess)
		c.Message = Ordinal(e.Ordinal) + "!"
		c.Class = ordinalClass(e.Ordinal)
		return c, true
	case game.EventSessionEnded:
		c := sound(SoundFail)
		c.Message = "finished"
		c.Class = "finished"
		return c, true
	}
	return Cue{}, false
}

// Cues maps a batch of events, keeping only those with feedback.
func Cues(evs []game.Event) []Cue {
	out := []Cue{}
	for _, e := range evs {
		if c, ok := For(e); ok {
			out = append(out, c)
		}
	}
	return out
}

// Ordinal formats n as 1st, 2nd, 3rd, then Nth for everything after.
func Ordinal(n int) string {
	switch n {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	}
	return strconv.Itoa(n) + "th"
}

// RoundTrack picks the music for a round: round 1 gets the first track and
// every reset advances the rotation by one.
func RoundTrack(round int) string {
	if len(Tracks) == 0 {
		return ""
	}
	return Tracks[(max(round, 1)-1)%len(Tracks)]
}

// MusicVolume converts a 0..100 setting to a 0..1 gain, clamped.
func MusicVolume(percent int) float64 {
	return float64(min(max(percent, 0), 100)) / 100
}

func sound(name string) Cue { return Cue{Sound: name, Volume: volumes[name]} }

func ordinalClass(n int) string {
	switch n {
	case 1:
		return "first"
	case 2:
		return "second"
	case 3:
		return "third"
	}
	return "other"
}
