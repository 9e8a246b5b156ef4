package mode

import (
	"fmt"
	"math/rand"
)

// Kind identifies the generation mode chosen for a request.
type Kind int

const (
	Unselectable Kind = iota
	Describe
	LyricsStyle
	StyleDescribedLyrics
)

func (k Kind) String() string {
	switch k {
	case Describe:
		return "describe"
	case LyricsStyle:
		return "lyrics+style"
	case StyleDescribedLyrics:
		return "style+described-lyrics"
	default:
		return "unselectable"
	}
}

// Request holds the generation inputs of a song. Empty strings and nil
// pointers are treated as absent.
type Request struct {
	FullDescribedSong string
	Prompt            string
	Lyrics            string
	DescribedLyrics   string
	Instrumental      bool
	AudioDuration     *float64
	GuidanceScale     *float64
	InferStep         *int
}

// Params are attached to every payload regardless of the mode.
type Params struct {
	GuidanceScale *float64 `json:"guidance_scale,omitempty"`
	InferStep     *int     `json:"infer_step,omitempty"`
	AudioDuration *float64 `json:"audio_duration,omitempty"`
	Seed          int      `json:"seed"`
	Instrumental  bool     `json:"instrumental"`
}

// Payload is the request body sent to the synthesis endpoint.
type Payload struct {
	Description     string `json:"description,omitempty"`
	Lyrics          string `json:"lyrics,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	DescribedLyrics string `json:"described_lyrics,omitempty"`
	Params
}

// Selection is the result of choosing a mode.
type Selection struct {
	Kind    Kind    `json:"kind"`
	Payload Payload `json:"payload"`
}

func (s Selection) String() string {
	return fmt.Sprintf("{%s, seed: %d, i: %v}", s.Kind, s.Payload.Seed, s.Payload.Instrumental)
}

type rule struct {
	kind  Kind
	match func(Request) bool
	build func(Request) Payload
}

// rules are checked in order, the first match wins.
var rules = []rule{
	{
		kind: Describe,
		match: func(r Request) bool {
			return r.FullDescribedSong != ""
		},
		build: func(r Request) Payload {
			return Payload{Description: r.FullDescribedSong}
		},
	},
	{
		kind: LyricsStyle,
		match: func(r Request) bool {
			return r.Lyrics != "" && r.Prompt != ""
		},
		build: func(r Request) Payload {
			return Payload{Lyrics: r.Lyrics, Prompt: r.Prompt}
		},
	},
	{
		kind: StyleDescribedLyrics,
		match: func(r Request) bool {
			return r.Prompt != "" && r.DescribedLyrics != ""
		},
		build: func(r Request) Payload {
			return Payload{Prompt: r.Prompt, DescribedLyrics: r.DescribedLyrics}
		},
	},
}

// Select picks the generation mode for the request and builds its payload
// using the provided seed. It has no side effects.
func Select(r Request, seed int) Selection {
	for _, rl := range rules {
		if !rl.match(r) {
			continue
		}
		p := rl.build(r)
		p.Params = Params{
			GuidanceScale: r.GuidanceScale,
			InferStep:     r.InferStep,
			AudioDuration: r.AudioDuration,
			Seed:          seed,
			Instrumental:  r.Instrumental,
		}
		return Selection{Kind: rl.kind, Payload: p}
	}
	return Selection{Kind: Unselectable}
}

// NewSeed returns a pseudo-random seed in [0, 100).
func NewSeed() int {
	return rand.Intn(100)
}

// Endpoints maps each generation mode to its synthesis URL.
type Endpoints struct {
	Describe             string
	LyricsStyle          string
	StyleDescribedLyrics string
}

// For returns the endpoint configured for the kind. It returns false for
// unselectable kinds and for modes without a configured endpoint.
func (e Endpoints) For(k Kind) (string, bool) {
	var u string
	switch k {
	case Describe:
		u = e.Describe
	case LyricsStyle:
		u = e.LyricsStyle
	case StyleDescribedLyrics:
		u = e.StyleDescribedLyrics
	}
	return u, u != ""
}
