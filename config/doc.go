// Package config provides configuration for the kernel bridge.
//
// Configuration is built in layers: built-in defaults, then any number of
// JSON or YAML files (later files override earlier ones key by key), then
// KERNELBRIDGE_* environment variables. The merged result is validated
// before use.
//
//	loader := config.NewLoader()
//	loader.AddLayer("kernelbridge.yaml")
//	cfg, err := loader.Load()
//
// Durations in files accept Go duration strings:
//
//	kernel:
//	  command: /usr/local/bin/kernel-manager
//	  stop_timeout: 5s
//	link:
//	  transport: nats
//	  nats:
//	    url: nats://127.0.0.1:4222
//
// Supported environment overrides: KERNELBRIDGE_HTTP_PORT, _BASE_PATH,
// _IDENT_MAIN, _IDENT_KERNEL_MANAGER, _KERNEL_COMMAND, _KERNEL_WORK_DIR,
// _PID_DIR, _RESTART_ON_EXIT, _LINK_TRANSPORT, _LINK_LISTEN_ADDR,
// _LINK_ADVERTISE_URL, _NATS_URL and _SUBJECT_PREFIX.
package config
