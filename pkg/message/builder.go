package message

import (
	"strings"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
	"github.com/google/uuid"

	"github.com/sip4k/sipbot/pkg/account"
)

const (
	DefaultUserAgent = "Sip4k"
	MaxForwards      = 70
	DefaultExpires   = 60
	SipVersion       = "SIP/2.0"
	ContentTypeSDP   = "application/sdp"
	BranchPrefix     = "z9hG4bK"
)

var (
	// AllowedMethods is advertised in Allow headers.
	AllowedMethods = []sip.RequestMethod{
		"PRACK", sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, "UPDATE",
		sip.INFO, "SUBSCRIBE", "NOTIFY", "REFER", "MESSAGE", sip.OPTIONS,
	}
	// OptionsExtensions is the Supported list of OPTIONS answers.
	OptionsExtensions = []string{"replaces", "norefersub", "extended-refer", "timer", "outbound", "path", "X-cisco-serviceuri"}
	// InviteExtensions is the Supported list of outbound INVITEs.
	InviteExtensions = []string{"replaces", "100rel", "norefersub"}
)

func NewBranch() string {
	return BranchPrefix + uuid.NewString()
}

func NewCallID() string {
	return uuid.NewString()
}

func NewTag() string {
	return util.RandString(8)
}

// Dialog is the identity of one call leg as seen from this side.
type Dialog struct {
	CallID     string
	LocalTag   string
	RemoteTag  string
	RemoteUser string
}

// RequestParams is the structured form of an outbound request. Headers
// without a field go to Extra, in order.
type RequestParams struct {
	Method      sip.RequestMethod
	Recipient   sip.Uri
	From        *sip.SipUri
	FromTag     string
	To          *sip.SipUri
	ToTag       string
	CallID      string
	CSeq        uint32
	Branch      string
	Contact     *sip.ContactHeader
	Expires     *uint32
	Allow       bool
	Supported   []string
	ContentType string
	Body        string
	Extra       []sip.Header
}

// Builder assembles outbound SIP messages for one profile.
type Builder struct {
	profile   *account.Profile
	userAgent string
	log       log.Logger
}

func NewBuilder(profile *account.Profile, userAgent string, logger log.Logger) *Builder {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Builder{
		profile:   profile,
		userAgent: userAgent,
		log:       logger.WithPrefix("Builder"),
	}
}

func (b *Builder) Profile() *account.Profile {
	return b.profile
}

func (b *Builder) UserAgent() string {
	return b.userAgent
}

// Request builds a request with headers in wire order: Via, Max-Forwards,
// Contact, To, From, Call-ID, CSeq, Expires, Allow, Supported, User-Agent,
// Content-Type, extras, Content-Length.
func (b *Builder) Request(p RequestParams) sip.Request {
	hdrs := []sip.Header{
		b.via(p.Branch),
		maxForwards(),
	}
	if p.Contact != nil {
		hdrs = append(hdrs, p.Contact)
	}
	hdrs = append(hdrs,
		&sip.ToHeader{Address: p.To, Params: tagParams(p.ToTag)},
		&sip.FromHeader{Address: p.From, Params: tagParams(p.FromTag)},
		callID(p.CallID),
		&sip.CSeq{SeqNo: p.CSeq, MethodName: p.Method},
	)
	if p.Expires != nil {
		expires := sip.Expires(*p.Expires)
		hdrs = append(hdrs, &expires)
	}
	if p.Allow {
		hdrs = append(hdrs, allow())
	}
	if len(p.Supported) > 0 {
		hdrs = append(hdrs, &sip.SupportedHeader{Options: p.Supported})
	}
	hdrs = append(hdrs, b.userAgentHeader())
	if p.ContentType != "" {
		contentType := sip.ContentType(p.ContentType)
		hdrs = append(hdrs, &contentType)
	}
	hdrs = append(hdrs, p.Extra...)

	req := sip.NewRequest("", p.Method, p.Recipient, SipVersion, hdrs, "", log.Fields{
		"call_id": p.CallID,
	})
	req.SetBody(p.Body, true)
	b.log.Debugf("build %s => %s", p.Method, req.Short())
	return req
}

// Register builds a REGISTER. unregister puts expires=0 on the Contact.
func (b *Builder) Register(callID, fromTag string, cseq uint32, branch string, expires uint32, unregister bool) sip.Request {
	p := b.profile
	var contact *sip.ContactHeader
	if unregister {
		zero := uint32(0)
		contact = p.Contact(&zero)
	} else {
		contact = p.Contact(nil)
	}
	return b.Request(RequestParams{
		Method:    sip.REGISTER,
		Recipient: p.ServerURI(),
		From:      p.UserURI(p.Login),
		FromTag:   fromTag,
		To:        p.UserURI(p.Login),
		CallID:    callID,
		CSeq:      cseq,
		Branch:    branch,
		Contact:   contact,
		Expires:   &expires,
	})
}

// Invite builds the INVITE of an outbound call carrying the SDP offer.
func (b *Builder) Invite(d Dialog, cseq uint32, branch, sdp string) sip.Request {
	p := b.profile
	return b.Request(RequestParams{
		Method:      sip.INVITE,
		Recipient:   p.UserURI(d.RemoteUser),
		From:        p.UserURI(p.Login),
		FromTag:     d.LocalTag,
		To:          p.UserURI(d.RemoteUser),
		CallID:      d.CallID,
		CSeq:        cseq,
		Branch:      branch,
		Contact:     p.Contact(nil),
		Allow:       true,
		Supported:   InviteExtensions,
		ContentType: ContentTypeSDP,
		Body:        sdp,
	})
}

// Ack acknowledges a final INVITE response. A nil target sends it to the
// request-uri of the INVITE.
func (b *Builder) Ack(d Dialog, cseq uint32, branch string, target sip.Uri) sip.Request {
	p := b.profile
	if target == nil {
		target = p.UserURI(d.RemoteUser)
	}
	return b.Request(RequestParams{
		Method:    sip.ACK,
		Recipient: target,
		From:      p.UserURI(p.Login),
		FromTag:   d.LocalTag,
		To:        p.UserURI(d.RemoteUser),
		ToTag:     d.RemoteTag,
		CallID:    d.CallID,
		CSeq:      cseq,
		Branch:    branch,
	})
}

// Bye ends the dialog from this side.
func (b *Builder) Bye(d Dialog, cseq uint32, branch string) sip.Request {
	p := b.profile
	return b.Request(RequestParams{
		Method:    sip.BYE,
		Recipient: p.UserURI(d.RemoteUser),
		From:      p.UserURI(p.Login),
		FromTag:   d.LocalTag,
		To:        p.UserURI(d.RemoteUser),
		ToTag:     d.RemoteTag,
		CallID:    d.CallID,
		CSeq:      cseq,
		Branch:    branch,
		Contact:   p.Contact(nil),
	})
}

// Response answers request with a bodiless status.
func (b *Builder) Response(request sip.Request, code sip.StatusCode, reason string) sip.Response {
	response := sip.NewResponseFromRequest(request.MessageID(), request, code, reason, "")
	response.AppendHeader(b.userAgentHeader())
	response.SetBody("", true)
	return response
}

// Ringing is the 180 of an inbound INVITE. toTag is the local tag of the
// dialog and goes on the To header.
func (b *Builder) Ringing(request sip.Request, toTag string) sip.Response {
	response := sip.NewResponseFromRequest(request.MessageID(), request, 180, "Ringing", "")
	setToTag(response, toTag)
	response.AppendHeader(b.profile.Contact(nil))
	response.AppendHeader(b.userAgentHeader())
	response.SetBody("", true)
	return response
}

// Answer is the 200 of an inbound INVITE carrying the SDP answer.
func (b *Builder) Answer(request sip.Request, toTag, sdp string) sip.Response {
	response := sip.NewResponseFromRequest(request.MessageID(), request, 200, "OK", "")
	setToTag(response, toTag)
	response.AppendHeader(b.profile.Contact(nil))
	response.AppendHeader(allow())
	response.AppendHeader(b.userAgentHeader())
	contentType := sip.ContentType(ContentTypeSDP)
	response.AppendHeader(&contentType)
	response.SetBody(sdp, true)
	return response
}

// OptionsResponse is the 200 to OPTIONS listing what this agent accepts.
func (b *Builder) OptionsResponse(request sip.Request) sip.Response {
	response := sip.NewResponseFromRequest(request.MessageID(), request, 200, "OK", "")
	response.AppendHeader(allow())
	response.AppendHeader(&sip.SupportedHeader{Options: OptionsExtensions})
	response.AppendHeader(b.userAgentHeader())
	response.SetBody("", true)
	return response
}

func (b *Builder) via(branch string) sip.ViaHeader {
	port := sip.Port(b.profile.LocalPort)
	return sip.ViaHeader{
		&sip.ViaHop{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       strings.ToUpper(account.Transport),
			Host:            b.profile.LocalHost,
			Port:            &port,
			Params:          sip.NewParams().Add("branch", sip.String{Str: branch}),
		},
	}
}

func (b *Builder) userAgentHeader() sip.Header {
	userAgent := sip.UserAgentHeader(b.userAgent)
	return &userAgent
}

func maxForwards() sip.Header {
	maxForwards := sip.MaxForwards(MaxForwards)
	return &maxForwards
}

func callID(id string) sip.Header {
	callID := sip.CallID(id)
	return &callID
}

func allow() sip.Header {
	allow := make(sip.AllowHeader, 0, len(AllowedMethods))
	allow = append(allow, AllowedMethods...)
	return allow
}

func tagParams(tag string) sip.Params {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", sip.String{Str: tag})
	}
	return params
}

func setToTag(response sip.Response, tag string) {
	to, ok := response.To()
	if !ok || tag == "" {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if !to.Params.Has("tag") {
		to.Params.Add("tag", sip.String{Str: tag})
	}
}
