package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// description is what we need to know about a remote SDP before handing it
// to the peer connection.
type description struct {
	audio     bool
	video     bool
	codecs    []string
	tonePT    uint8
	hasTone   bool
	direction string
}

func describe(raw string) (description, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return description{}, fmt.Errorf("parse sdp: %w", err)
	}

	var d description
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		switch md.MediaName.Media {
		case "video":
			d.video = true
		case "audio":
			d.audio = true
			d.direction = mediaDirection(md)
			for _, format := range md.MediaName.Formats {
				pt, err := strconv.ParseUint(format, 10, 8)
				if err != nil {
					continue
				}
				codec, err := sd.GetCodecForPayloadType(uint8(pt))
				if err != nil {
					continue
				}
				d.codecs = append(d.codecs, codec.Name)
				if strings.EqualFold(codec.Name, "telephone-event") && codec.ClockRate == SampleRate && !d.hasTone {
					d.tonePT = uint8(pt)
					d.hasTone = true
				}
			}
		}
	}
	return d, nil
}

func mediaDirection(md *sdp.MediaDescription) string {
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(dir); ok {
			return dir
		}
	}
	return "sendrecv"
}

func (d description) acceptsPCMU() bool {
	for _, c := range d.codecs {
		if strings.EqualFold(c, "PCMU") {
			return true
		}
	}
	return false
}
