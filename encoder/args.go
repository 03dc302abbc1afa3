package encoder

import (
	"regexp"
	"strconv"
	"strings"

	"encodeagent/config"
	"encodeagent/mediainfo"
)

var rxLiteralCrop = regexp.MustCompile(`^\d+:\d+:\d+:\d+$`)

// Plan is everything needed to build the encoder command line for one file.
type Plan struct {
	Input  string
	Output string
	Config *config.EncoderConfig
	// Media is nil when no metadata is available.
	Media *mediainfo.Info
	// SmartCrop is the computed "top:bottom:left:right" crop used when the
	// config asks for smart cropping. Empty means no crop.
	SmartCrop string
	// Extra is appended as is. It must already be sanitized.
	Extra []string
}

// BuildArgs translates a Plan into encoder arguments.
func BuildArgs(p Plan) []string {
	cfg := p.Config
	videoEncoder := cfg.VideoEncoder
	reencodeAudio := true
	hasEngAudio := false
	audioKbps := 360
	chooseAudio := ""

	subtitleArgs := []string{"--subtitle-lang-list", "eng", "--all-subtitles", "--native-language", "eng"}
	nativeDub := true

	if p.Media != nil {
		// VIDEO
		if video := p.Media.Video(); len(video) > 0 {
			videoEncoder = bitDepthEncoder(videoEncoder, video[0].BitDepth)
		}

		// AUDIO
		// Require English without commentary. Prefer AAC or AC-3, whichever
		// has more channels; AAC wins a tie.
		all := p.Media.Audio()
		eng := englishAudio(all, true)
		hasEngAudio = len(eng) > 0

		best := bestAudio(eng)
		if best != nil && best.Channels <= 5 && mostChannels(eng).Channels > best.Channels {
			// Less than 5.1 while another track has more channels.
			best = nil
		}
		if best != nil {
			reencodeAudio = false
			chooseAudio = strconv.Itoa(best.StreamNumber)
		} else {
			var first *mediainfo.Track
			if len(eng) > 0 {
				first = &eng[0]
			} else if len(all) == 1 {
				first = &all[0]
			}
			channels := 7
			if first != nil {
				chooseAudio = strconv.Itoa(first.StreamNumber)
				channels = first.Channels
			}
			audioKbps = aacBitrate(channels)
		}

		// SUBTITLES
		text := p.Media.Text()
		engSubs := filterTracks(text, func(t mediainfo.Track) bool { return isEnglish(t.Language) })
		if len(engSubs) == 0 && len(text) > 0 {
			if allUnlabeled(text) || anyFormat(text, "PGS") {
				subtitleArgs = []string{"--all-subtitles"}
			}
		} else if defaultIndex(engSubs) < 0 {
			// No default subtitle: the first forced track becomes the default.
			for i, t := range engSubs {
				if t.Forced {
					subtitleArgs = []string{"-s", joinStreamNumbers(engSubs), "--subtitle-default=" + strconv.Itoa(i+1)}
					break
				}
			}
		}
	}

	var audioArgs []string
	switch {
	case chooseAudio != "":
		audioArgs = []string{"--audio", chooseAudio}
	case hasEngAudio:
		audioArgs = []string{"--audio-lang-list", "eng,und", "--first-audio"}
	default:
		// No English: take the first track. --native-dub would drop it.
		audioArgs = []string{"--first-audio"}
		nativeDub = false
	}
	if reencodeAudio {
		audioArgs = append(audioArgs, "--aencoder", "ca_aac", "--mixdown", "5_2_lfe", "--ab", strconv.Itoa(audioKbps))
	} else {
		audioArgs = append(audioArgs, "--aencoder", "copy")
	}

	if sel := cfg.AudioTrackSelection; sel.AllTracks || sel.AllTracksNoCommentary || sel.AllEnglish || sel.AllEnglishNoCommentary {
		if override := selectedAudioArgs(sel, p.Media); override != nil {
			audioArgs = override
			nativeDub = false
		}
	}
	if cfg.SubtitleTrackSelection.AllTracks {
		subtitleArgs = []string{"--all-subtitles"}
	}

	args := []string{"-i", p.Input, "-o", p.Output}
	args = append(args, "-e", videoEncoder, "--encoder-preset", cfg.VideoEncoderPreset, "-q", strconv.Itoa(cfg.Quality))
	if crop := resolveCrop(cfg.HandbrakeCrop, p.SmartCrop); crop != "" {
		args = append(args, "--crop", crop)
	}
	args = append(args, "--modulus", "2")
	args = append(args, audioArgs...)
	args = append(args, subtitleArgs...)
	// --native-dub only works together with --native-language.
	if nativeDub && contains(subtitleArgs, "--native-language") {
		args = append(args, "--native-dub")
	}
	if strings.HasSuffix(strings.ToLower(p.Output), ".mp4") {
		args = append(args, "-O")
	}
	if cfg.LimitedRange {
		args = append(args,
			"--start-at", "seconds:"+strconv.Itoa(cfg.StartTimeSeconds),
			"--stop-at", "seconds:"+strconv.Itoa(cfg.DurationSeconds))
	}
	return append(args, p.Extra...)
}

// IsSmartCrop reports whether a batch asks for a computed crop.
func IsSmartCrop(cfg *config.EncoderConfig) bool {
	return strings.EqualFold(cfg.HandbrakeCrop, config.SmartCrop)
}

func resolveCrop(setting, smart string) string {
	if strings.EqualFold(setting, config.SmartCrop) {
		return smart
	}
	if rxLiteralCrop.MatchString(setting) {
		return setting
	}
	return ""
}

func bitDepthEncoder(enc string, depth int) string {
	switch depth {
	case 10:
		if enc == "x265" || enc == "x264" {
			return enc + "_10bit"
		}
	case 12:
		if enc == "x265" {
			return enc + "_12bit"
		}
		if enc == "x264" {
			return enc + "_10bit"
		}
	}
	return enc
}

func aacBitrate(channels int) int {
	switch {
	case channels >= 7:
		return 360
	case channels == 6:
		return 250
	case channels == 5:
		return 224
	case channels == 4:
		return 192
	default:
		return 128
	}
}

func isEnglish(lang string) bool {
	return strings.EqualFold(lang, "en")
}

func isCommentary(t mediainfo.Track) bool {
	return strings.Contains(strings.ToLower(t.Title), "comment")
}

func englishAudio(tracks []mediainfo.Track, skipCommentary bool) []mediainfo.Track {
	return filterTracks(tracks, func(t mediainfo.Track) bool {
		return isEnglish(t.Language) && t.Channels > 0 && !(skipCommentary && isCommentary(t))
	})
}

func filterTracks(tracks []mediainfo.Track, keep func(mediainfo.Track) bool) []mediainfo.Track {
	var out []mediainfo.Track
	for _, t := range tracks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// mostChannels returns the first track with the highest channel count.
func mostChannels(tracks []mediainfo.Track) *mediainfo.Track {
	var best *mediainfo.Track
	for i := range tracks {
		if best == nil || tracks[i].Channels > best.Channels {
			best = &tracks[i]
		}
	}
	return best
}

func bestAudio(eng []mediainfo.Track) *mediainfo.Track {
	aac := mostChannels(filterTracks(eng, func(t mediainfo.Track) bool {
		return equalsAny(t.Format, "AAC", "AAC LC", "A_AAC-2")
	}))
	ac3 := mostChannels(filterTracks(eng, func(t mediainfo.Track) bool {
		return equalsAny(t.Format, "AC-3", "E-AC-3")
	}))
	switch {
	case aac != nil && ac3 != nil:
		if ac3.Channels > aac.Channels {
			return ac3
		}
		return aac
	case aac != nil:
		return aac
	default:
		return ac3
	}
}

func selectedAudioArgs(sel config.AudioTrackSelection, media *mediainfo.Info) []string {
	englishOnly := sel.AllEnglish || sel.AllEnglishNoCommentary
	skipCommentary := sel.AllTracksNoCommentary || sel.AllEnglishNoCommentary
	if media == nil {
		if englishOnly {
			return []string{"--audio-lang-list", "eng", "--all-audio", "--aencoder", "copy"}
		}
		return []string{"--all-audio", "--aencoder", "copy"}
	}
	tracks := filterTracks(media.Audio(), func(t mediainfo.Track) bool {
		if englishOnly && !isEnglish(t.Language) {
			return false
		}
		return !(skipCommentary && isCommentary(t))
	})
	if len(tracks) == 0 {
		return nil
	}
	encoders := make([]string, len(tracks))
	for i := range encoders {
		encoders[i] = "copy"
	}
	return []string{"--audio", joinStreamNumbers(tracks), "--aencoder", strings.Join(encoders, ",")}
}

func joinStreamNumbers(tracks []mediainfo.Track) string {
	nums := make([]string, len(tracks))
	for i, t := range tracks {
		nums[i] = strconv.Itoa(t.StreamNumber)
	}
	return strings.Join(nums, ",")
}

func defaultIndex(tracks []mediainfo.Track) int {
	for i, t := range tracks {
		if t.Default {
			return i
		}
	}
	return -1
}

func allUnlabeled(tracks []mediainfo.Track) bool {
	for _, t := range tracks {
		if strings.TrimSpace(t.Language) != "" {
			return false
		}
	}
	return true
}

func anyFormat(tracks []mediainfo.Track, format string) bool {
	for _, t := range tracks {
		if strings.EqualFold(t.Format, format) {
			return true
		}
	}
	return false
}

func equalsAny(s string, options ...string) bool {
	for _, o := range options {
		if strings.EqualFold(s, o) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
