package supervisor

import "github.com/itsharex/SolidUI/config"

// Environment variables exported to the kernel manager so it can reach the bridge
const (
	EnvLinkTransport      = "KERNELBRIDGE_LINK_TRANSPORT"
	EnvLinkURL            = "KERNELBRIDGE_LINK_URL"
	EnvNATSURL            = "KERNELBRIDGE_NATS_URL"
	EnvSubjectPrefix      = "KERNELBRIDGE_SUBJECT_PREFIX"
	EnvIdentMain          = "KERNELBRIDGE_IDENT_MAIN"
	EnvIdentKernelManager = "KERNELBRIDGE_IDENT_KERNEL_MANAGER"
)

// LinkEnvironment returns the link coordinates for the kernel manager
func LinkEnvironment(cfg *config.Config) map[string]string {
	return map[string]string{
		EnvLinkTransport:      cfg.Link.Transport,
		EnvLinkURL:            cfg.LinkURL(),
		EnvNATSURL:            cfg.Link.NATS.URL,
		EnvSubjectPrefix:      cfg.Link.NATS.SubjectPrefix,
		EnvIdentMain:          cfg.Ident.Main,
		EnvIdentKernelManager: cfg.Ident.KernelManager,
	}
}
