package message

import (
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/pkg/errors"
)

// Parse decodes one datagram into a request or a response.
func Parse(data []byte, logger log.Logger) (sip.Message, error) {
	msg, err := parser.ParseMessage(data, logger)
	if err != nil {
		return nil, errors.Wrap(err, "parse sip message")
	}
	return msg, nil
}

func CallID(msg sip.Message) string {
	if callID, ok := msg.CallID(); ok {
		return callID.String()
	}
	return ""
}

// CSeq returns the sequence number and method of msg.
func CSeq(msg sip.Message) (uint32, sip.RequestMethod) {
	if cseq, ok := msg.CSeq(); ok {
		return cseq.SeqNo, cseq.MethodName
	}
	return 0, ""
}

func Branch(msg sip.Message) string {
	if hop, ok := msg.ViaHop(); ok && hop.Params != nil {
		if branch, ok := hop.Params.Get("branch"); ok && branch != nil {
			return branch.String()
		}
	}
	return ""
}

func ToTag(msg sip.Message) string {
	if to, ok := msg.To(); ok && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != nil {
			return tag.String()
		}
	}
	return ""
}

func FromTag(msg sip.Message) string {
	if from, ok := msg.From(); ok && from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok && tag != nil {
			return tag.String()
		}
	}
	return ""
}

// FromUser is the user part of the From uri.
func FromUser(msg sip.Message) string {
	if from, ok := msg.From(); ok && from.Address != nil && from.Address.User() != nil {
		return from.Address.User().String()
	}
	return ""
}

// ToUser is the user part of the To uri.
func ToUser(msg sip.Message) string {
	if to, ok := msg.To(); ok && to.Address != nil && to.Address.User() != nil {
		return to.Address.User().String()
	}
	return ""
}

// ContactURI returns the uri of the first Contact header, if any.
func ContactURI(msg sip.Message) sip.Uri {
	if contact, ok := msg.Contact(); ok && contact.Address != nil {
		return contact.Address.Clone()
	}
	return nil
}

// HeaderValue returns the raw value of the first header called name.
func HeaderValue(msg sip.Message, name string) string {
	hdrs := msg.GetHeaders(name)
	if len(hdrs) == 0 {
		return ""
	}
	if g, ok := hdrs[0].(*sip.GenericHeader); ok {
		return g.Contents
	}
	s := hdrs[0].String()
	if i := strings.Index(s, ":"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// TransactionKey identifies a request for retransmission matching.
func TransactionKey(req sip.Request) string {
	seq, method := CSeq(req)
	return strings.Join([]string{Branch(req), CallID(req), string(method), strconv.FormatUint(uint64(seq), 10)}, "|")
}
