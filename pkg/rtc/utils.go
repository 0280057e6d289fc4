package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

const candidatePrefix = "candidate:"

// IsPolite reports whether the local peer yields when both peers offer at
// once. Exactly one of IsPolite(a, b) and IsPolite(b, a) holds for a != b.
func IsPolite(localID, remoteID string) bool {
	return localID > remoteID
}

// ToSessionDescription converts and validates a peer-offer or peer-answer payload.
func ToSessionDescription(p *signalling.SessionDescriptionPayload) (webrtc.SessionDescription, error) {
	sdType := webrtc.NewSDPType(p.Type)
	if sdType != webrtc.SDPTypeOffer && sdType != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, errors.Wrapf(ErrNegotiationFailure, "unexpected description type %q", p.Type)
	}
	sd := webrtc.SessionDescription{Type: sdType, SDP: p.SDP}
	if _, err := sd.Unmarshal(); err != nil {
		return webrtc.SessionDescription{}, errors.Wrapf(ErrNegotiationFailure, "malformed %s: %v", p.Type, err)
	}
	return sd, nil
}

func FromSessionDescription(sd webrtc.SessionDescription, iceRestart bool) *signalling.SessionDescriptionPayload {
	return &signalling.SessionDescriptionPayload{
		Type:       sd.Type.String(),
		SDP:        sd.SDP,
		ICERestart: iceRestart,
	}
}

// ToICECandidateInit converts and validates an ice-candidate payload. An
// empty candidate marks the end of gathering and is passed through.
func ToICECandidateInit(p *signalling.ICECandidatePayload) (webrtc.ICECandidateInit, error) {
	init := webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
	if p.Candidate == "" {
		return init, nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(p.Candidate, candidatePrefix)); err != nil {
		return webrtc.ICECandidateInit{}, errors.Wrapf(ErrNegotiationFailure, "malformed candidate: %v", err)
	}
	return init, nil
}

func FromICECandidateInit(c webrtc.ICECandidateInit) *signalling.ICECandidatePayload {
	return &signalling.ICECandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// iceCredential returns "ufrag:pwd" for a description; a change between
// offers means the remote restarted ICE.
func iceCredential(sd webrtc.SessionDescription) (string, error) {
	parsed, err := sd.Unmarshal()
	if err != nil {
		return "", err
	}
	user, pwd, err := extractICECredential(parsed)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", user, pwd), nil
}

func extractICECredential(desc *sdp.SessionDescription) (string, string, error) {
	remotePwds := []string{}
	remoteUfrags := []string{}

	if ufrag, haveUfrag := desc.Attribute("ice-ufrag"); haveUfrag {
		remoteUfrags = append(remoteUfrags, ufrag)
	}
	if pwd, havePwd := desc.Attribute("ice-pwd"); havePwd {
		remotePwds = append(remotePwds, pwd)
	}

	for _, m := range desc.MediaDescriptions {
		if ufrag, haveUfrag := m.Attribute("ice-ufrag"); haveUfrag {
			remoteUfrags = append(remoteUfrags, ufrag)
		}
		if pwd, havePwd := m.Attribute("ice-pwd"); havePwd {
			remotePwds = append(remotePwds, pwd)
		}
	}

	if len(remoteUfrags) == 0 {
		return "", "", webrtc.ErrSessionDescriptionMissingIceUfrag
	} else if len(remotePwds) == 0 {
		return "", "", webrtc.ErrSessionDescriptionMissingIcePwd
	}

	for _, m := range remoteUfrags {
		if m != remoteUfrags[0] {
			return "", "", webrtc.ErrSessionDescriptionConflictingIceUfrag
		}
	}

	for _, m := range remotePwds {
		if m != remotePwds[0] {
			return "", "", webrtc.ErrSessionDescriptionConflictingIcePwd
		}
	}

	return remoteUfrags[0], remotePwds[0], nil
}

// dtlsFingerprint returns the DTLS certificate fingerprint of a description,
// or "" when it carries none.
func dtlsFingerprint(sd webrtc.SessionDescription) (string, error) {
	parsed, err := sd.Unmarshal()
	if err != nil {
		return "", err
	}
	if fingerprint, ok := parsed.Attribute("fingerprint"); ok {
		return fingerprint, nil
	}
	for _, m := range parsed.MediaDescriptions {
		if fingerprint, ok := m.Attribute("fingerprint"); ok {
			return fingerprint, nil
		}
	}
	return "", nil
}
