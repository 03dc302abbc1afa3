package mediainfo

// Kind identifies the type of a track.
type Kind string

const (
	General Kind = "General"
	Video   Kind = "Video"
	Audio   Kind = "Audio"
	Text    Kind = "Text"
	Menu    Kind = "Menu"
	Other   Kind = "Other"
)

// Track is one entry of the mediainfo track list. Fields that do not apply
// to a Kind are left zero.
type Track struct {
	Kind Kind
	// StreamNumber counts tracks of the same Kind starting at 1, matching
	// the encoder's track numbering.
	StreamNumber int
	Format       string
	Title        string
	Language     string
	BitRate      int64
	Default      bool
	Forced       bool
	Duration     float64

	// Audio
	Channels int

	// Video
	Width    int
	Height   int
	BitDepth int

	// General
	FileExtension string
}

// Info is the parsed result of one mediainfo call.
type Info struct {
	Tracks []Track
	// Raw is the indented mediainfo JSON, kept for processing records.
	Raw string
}

func (i *Info) byKind(k Kind) []Track {
	var out []Track
	for _, t := range i.Tracks {
		if t.Kind == k {
			out = append(out, t)
		}
	}
	return out
}

func (i *Info) General() []Track { return i.byKind(General) }
func (i *Info) Video() []Track   { return i.byKind(Video) }
func (i *Info) Audio() []Track   { return i.byKind(Audio) }
func (i *Info) Text() []Track    { return i.byKind(Text) }
