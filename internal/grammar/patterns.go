package grammar

import "regexp"

// defaultDanger is the dangerousness weight `d` every enumerated attack
// kind carries unless a kind overrides it (§3: "default 10; each attack
// kind may override").
const defaultDanger = 10

// phrase is one recognized attack-kind pattern: a per-service literal
// phrase wrapping an address token, matched against the line remaining
// after an optional banner has been stripped.
//
// The accepted language is the closed phrase set named in the glossary;
// patterns below are kept as one compiled alternation per kind rather
// than a single generated table, mirroring §9's note that the
// recognizer's implementation strategy is free as long as the accepted
// language is exactly this enumerated set.
type phrase struct {
	kind    string
	service Service
	danger  int
	re      *regexp.Regexp
}

// addrToken matches a literal IPv4, literal IPv6, or bare hostname —
// resolution of the non-literal case happens after matching, in
// internal/resolve.
const addrToken = `(?P<addr>[0-9A-Za-z:.\-]+)`

var phrases = []phrase{
	{
		kind:    "ssh-invalid-user",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^Invalid user \S+ from ` + addrToken + `\s*$`),
	},
	{
		kind:    "ssh-login-error",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^Failed password for (invalid user )?\S+ from ` + addrToken + `( port \d+)?( ssh\d*)?\s*$`),
	},
	{
		kind:    "ssh-login-error-pam",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^pam_unix\(sshd:auth\): authentication failure;.*rhost=` + addrToken),
	},
	{
		kind:    "ssh-user-not-allowed",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^User \S+ from ` + addrToken + ` not allowed because (not listed in AllowUsers|listed in DenyUsers)\s*$`),
	},
	{
		kind:    "ssh-reverse-map-mismatch",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^reverse mapping checking getaddrinfo for \S+ \[` + addrToken + `\] failed`),
	},
	{
		kind:    "ssh-no-identification-string",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^Did not receive identification string from ` + addrToken + `\s*$`),
	},
	{
		kind:    "ssh-bad-protocol-identifier",
		service: ServiceSSH,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^Bad protocol version identification .* from ` + addrToken + `\s*$`),
	},
	{
		kind:    "dovecot-login-error",
		service: ServiceDovecot,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^(imap|pop3)-login: (Disconnected|Aborted login) .*rip=` + addrToken),
	},
	{
		kind:    "uwimap-login-error",
		service: ServiceUWIMAP,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^imap_server.*login failed.*\[` + addrToken + `\]`),
	},
	{
		kind:    "cyrusimap-login-error",
		service: ServiceCyrusIMAP,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^badlogin: ` + addrToken + ` \S+ SASL\(-?\d+\)`),
	},
	{
		kind:    "cucipop-auth-fail",
		service: ServiceCucipop,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^\S+@` + addrToken + `.*(ERR LOGIN|Login failure)`),
	},
	{
		kind:    "exim-esmtp-auth-fail",
		service: ServiceExim,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^\S+ (authenticator failed|SMTP AUTH command used when not advertised).*\[` + addrToken + `\]`),
	},
	{
		kind:    "sendmail-relay-denied",
		service: ServiceSendmail,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^ruleset=check_(rcpt|mail), arg1=.*, relay=\S*\[` + addrToken + `\].*, reject=.*(Relaying denied|Access denied)`),
	},
	{
		kind:    "freebsdftpd-login-error",
		service: ServiceFreeBSDFTPD,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^FTP LOGIN FAILED FROM ` + addrToken),
	},
	{
		kind:    "proftpd-login-error",
		service: ServiceProFTPD,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^USER \S+ \(Login failed\): .*\[` + addrToken + `\]\s*$`),
	},
	{
		kind:    "pureftpd-login-error",
		service: ServicePureFTPD,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^\(\?@` + addrToken + `\) \[WARNING\] Authentication failed`),
	},
	{
		kind:    "vsftpd-login-error",
		service: ServiceVsftpd,
		danger:  defaultDanger,
		re:      regexp.MustCompile(`^FAIL LOGIN: Client "` + addrToken + `"\s*$`),
	},
}

// repeatRe matches the standalone repeat-elision sentinel (§4.F, §8 P8):
// "last message repeated N times".
var repeatRe = regexp.MustCompile(`^last message repeated (\d+) times?\s*$`)
