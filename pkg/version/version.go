package version

// Version is the current version of the flowedge server
const Version = "0.1.0"

// UserAgent returns the User-Agent header value for SIP requests and webhooks
func UserAgent() string {
	return "flowedge/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "flowedge/" + Version
}
