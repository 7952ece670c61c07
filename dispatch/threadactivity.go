package dispatch

import (
	"encoding/xml"
	"regexp"
	"strings"

	"github.com/chatbridge/teams-bridge/bridge"
)

// Thread activity payloads arrive as small XML documents inside the message
// content. Only the fields acted on are decoded.

type memberListEvent struct {
	Initiator string   `xml:"initiator"`
	Targets   []string `xml:"target"`
}

type topicUpdateEvent struct {
	Initiator string `xml:"initiator"`
	Value     string `xml:"value"`
}

type roleTarget struct {
	ID   string `xml:"id"`
	Role string `xml:"role"`
}

type roleUpdateEvent struct {
	Initiator string       `xml:"initiator"`
	Targets   []roleTarget `xml:"target"`
}

func (d *Dispatcher) handleThreadActivity(convID, messageType, content string) {
	conv := d.Host.Conversations()
	switch messageType {
	case "ThreadActivity/AddMember":
		var ev memberListEvent
		if err := xml.Unmarshal([]byte(content), &ev); err != nil {
			protocolErrors.Inc()
			d.Log.Warn().Err(err).Str("conv", convID).Msg("bad addmember payload")
			return
		}
		for _, target := range ev.Targets {
			conv.AddMember(convID, bareUserID(target), bridge.RoleUser)
		}
	case "ThreadActivity/DeleteMember":
		var ev memberListEvent
		if err := xml.Unmarshal([]byte(content), &ev); err != nil {
			protocolErrors.Inc()
			d.Log.Warn().Err(err).Str("conv", convID).Msg("bad deletemember payload")
			return
		}
		for _, target := range ev.Targets {
			member := bareUserID(target)
			if d.Backend.IsSelf(member) {
				conv.Left(convID)
				continue
			}
			conv.RemoveMember(convID, member)
		}
	case "ThreadActivity/TopicUpdate":
		var ev topicUpdateEvent
		if err := xml.Unmarshal([]byte(content), &ev); err != nil {
			protocolErrors.Inc()
			d.Log.Warn().Err(err).Str("conv", convID).Msg("bad topicupdate payload")
			return
		}
		conv.SetTopic(convID, bareUserID(ev.Initiator), ev.Value)
	case "ThreadActivity/RoleUpdate":
		var ev roleUpdateEvent
		if err := xml.Unmarshal([]byte(content), &ev); err != nil {
			protocolErrors.Inc()
			d.Log.Warn().Err(err).Str("conv", convID).Msg("bad roleupdate payload")
			return
		}
		for _, target := range ev.Targets {
			conv.SetMemberOperator(convID, bareUserID(target.ID), strings.EqualFold(target.Role, "admin"))
		}
	default:
		d.Log.Debug().Str("messagetype", messageType).Msg("ignoring thread activity")
	}
}

type callPart struct {
	Name     string `xml:"name"`
	Duration string `xml:"duration"`
}

type partList struct {
	Type  string     `xml:"type,attr"`
	Parts []callPart `xml:"part"`
}

// callEventText summarises an Event/Call partlist payload.
func callEventText(content string) string {
	var pl partList
	if err := xml.Unmarshal([]byte(content), &pl); err != nil {
		return "Call"
	}
	switch pl.Type {
	case "started":
		return "Call started"
	case "ended":
		for _, p := range pl.Parts {
			if p.Duration != "" {
				return "Call ended, duration " + p.Duration + "s"
			}
		}
		return "Call ended"
	case "missed":
		return "Missed call"
	}
	return "Call"
}

type contactCard struct {
	ID   string `xml:"s,attr"`
	Name string `xml:"f,attr"`
}

type contactCardList struct {
	Cards []contactCard `xml:"c"`
}

// contactCards decodes the <c s= f=> elements of a contact-card payload.
func contactCards(content string) []contactCard {
	var l contactCardList
	if err := xml.Unmarshal([]byte(content), &l); err != nil {
		return nil
	}
	return l.Cards
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripTags flattens a small markup fragment (sticker payloads) to its text.
func stripTags(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
}

// uriObjectAttr reads one attribute off the URIObject element of an
// attachment payload.
func uriObjectAttr(content, attr string) string {
	dec := xml.NewDecoder(strings.NewReader(content))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "URIObject" {
			for _, a := range se.Attr {
				if a.Name.Local == attr {
					return a.Value
				}
			}
			return ""
		}
	}
}
