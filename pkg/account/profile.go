package account

import (
	"net"
	"strconv"

	"github.com/ghettovoice/gosip/sip"
)

const Transport = "udp"

// Profile is the SIP identity of a client: who it is and where it talks.
// It does not change for the lifetime of a client.
type Profile struct {
	Login       string
	Password    string
	DisplayName string
	ServerHost  string
	ServerPort  int
	LocalHost   string
	LocalPort   int
}

// NewProfile .
func NewProfile(login, password, serverHost string, serverPort int, localHost string, localPort int) *Profile {
	return &Profile{
		Login:      login,
		Password:   password,
		ServerHost: serverHost,
		ServerPort: serverPort,
		LocalHost:  localHost,
		LocalPort:  localPort,
	}
}

// ServerAddr is host:port of the registrar.
func (p *Profile) ServerAddr() string {
	return net.JoinHostPort(p.ServerHost, strconv.Itoa(p.ServerPort))
}

// SessionKey identifies the remote party of a call: user@serverHost.
func (p *Profile) SessionKey(user string) string {
	return user + "@" + p.ServerHost
}

// UserURI is sip:user@serverHost;transport=udp.
func (p *Profile) UserURI(user string) *sip.SipUri {
	return &sip.SipUri{
		FUser:      sip.String{Str: user},
		FHost:      p.ServerHost,
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: Transport}),
	}
}

// ServerURI is sip:serverHost;transport=udp, the REGISTER request-uri.
func (p *Profile) ServerURI() *sip.SipUri {
	return &sip.SipUri{
		FHost:      p.ServerHost,
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: Transport}),
	}
}

// ContactURI is sip:login@localHost:localPort;transport=udp.
func (p *Profile) ContactURI() *sip.SipUri {
	port := sip.Port(p.LocalPort)
	return &sip.SipUri{
		FUser:      sip.String{Str: p.Login},
		FHost:      p.LocalHost,
		FPort:      &port,
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: Transport}),
	}
}

// Contact returns the Contact header. A non-nil expires is added as a
// header parameter, expires=0 unregisters.
func (p *Profile) Contact(expires *uint32) *sip.ContactHeader {
	params := sip.NewParams()
	if expires != nil {
		params.Add("expires", sip.String{Str: strconv.FormatUint(uint64(*expires), 10)})
	}
	contact := &sip.ContactHeader{
		Address: p.ContactURI(),
		Params:  params,
	}
	if p.DisplayName != "" {
		contact.DisplayName = sip.String{Str: p.DisplayName}
	}
	return contact
}

//RegisterState is the outcome of one REGISTER exchange.
type RegisterState struct {
	Account    Profile
	StatusCode sip.StatusCode
	Reason     string
	Expiration uint32
	Response   sip.Response
}

// Registered reports a 2xx outcome.
func (s RegisterState) Registered() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

//RegisterHandler .
type RegisterHandler func(regState RegisterState)
