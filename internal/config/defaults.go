package config

import "time"

// Default configuration constants for targets, scheduling and timeouts
const (
	DefaultScheme                 = "http"
	DefaultHTTPPort               = 80
	DefaultHTTPSPort              = 443
	DefaultPath                   = "/"
	DefaultMethod                 = "GET"
	DefaultThreads                = 1
	DefaultClients                = 1
	DefaultRequests               = 1
	DefaultMaxConcurrentStreams   = 1
	DefaultWindowBits             = 30
	DefaultConnectionWindowBits   = 30
	DefaultHeaderTableSize        = 4096
	DefaultEncoderHeaderTableSize = 4096
	DefaultNoTLSProto             = "h2c"
	DefaultNPNList                = "h2,h2-16,h2-14,http/1.1"
	DefaultRatePeriod             = 1 * time.Second
	DefaultStreamTimeout          = 5000 * time.Millisecond
	DefaultConnectTimeout         = 2 * time.Second
	DefaultConnectRetries         = 3
	DefaultReconnectInitialDelay  = 100 * time.Millisecond
	DefaultReconnectMaxDelay      = 5 * time.Second
	DefaultProgressInterval       = 1 * time.Second
	MaxWindowBits                 = 30

	DefaultCRUDCreateMethod = "POST"
	DefaultCRUDReadMethod   = "GET"
	DefaultCRUDUpdateMethod = "PATCH"
	DefaultCRUDDeleteMethod = "DELETE"
)
