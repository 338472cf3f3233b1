package realtime

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const opusPayloadType webrtc.PayloadType = 111

// Opus with in-band FEC and a 10ms minimum packetization time is always offered
// ahead of anything the platform would pick.
var (
	opusFmtpParams = [][2]string{{"minptime", "10"}, {"useinbandfec", "1"}}

	OpusCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

var ErrNoOpus = errors.New("audio section does not offer opus")

// newMediaEngine registers Opus as the only audio codec.
func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := new(webrtc.MediaEngine)
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("registering opus codec: %w", err)
	}
	return m, nil
}

// PreferOpus rewrites every audio section of an SDP blob so Opus payload types lead
// the format list and carry the FEC and ptime parameters.
func PreferOpus(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parsing session description: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		opus := opusPayloadTypes(md)
		if len(opus) == 0 {
			return "", ErrNoOpus
		}
		formats := make([]string, 0, len(md.MediaName.Formats))
		formats = append(formats, opus...)
		for _, f := range md.MediaName.Formats {
			if !slices.Contains(opus, f) {
				formats = append(formats, f)
			}
		}
		md.MediaName.Formats = formats
		for _, pt := range opus {
			setOpusFmtp(md, pt)
		}
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding session description: %w", err)
	}
	return string(out), nil
}

func opusPayloadTypes(md *sdp.MediaDescription) []string {
	var pts []string
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, codec, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(codec, "/")
		if strings.EqualFold(name, "opus") && slices.Contains(md.MediaName.Formats, pt) {
			pts = append(pts, pt)
		}
	}
	return pts
}

func setOpusFmtp(md *sdp.MediaDescription, pt string) {
	for i, a := range md.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		fpt, params, ok := strings.Cut(a.Value, " ")
		if !ok || fpt != pt {
			continue
		}
		md.Attributes[i].Value = pt + " " + mergeFmtp(params)
		return
	}
	// No fmtp yet: insert one right after the rtpmap line.
	at := len(md.Attributes)
	for i, a := range md.Attributes {
		if a.Key == "rtpmap" && strings.HasPrefix(a.Value, pt+" ") {
			at = i + 1
			break
		}
	}
	attr := sdp.NewAttribute("fmtp", pt+" "+mergeFmtp(""))
	md.Attributes = slices.Insert(md.Attributes, at, attr)
}

func mergeFmtp(params string) string {
	var keys []string
	entries := map[string]string{}
	for _, kv := range strings.Split(params, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, _, _ := strings.Cut(kv, "=")
		if _, seen := entries[k]; !seen {
			keys = append(keys, k)
		}
		entries[k] = kv
	}
	for _, p := range opusFmtpParams {
		if _, seen := entries[p[0]]; !seen {
			keys = append(keys, p[0])
		}
		entries[p[0]] = p[0] + "=" + p[1]
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = entries[k]
	}
	return strings.Join(parts, ";")
}
