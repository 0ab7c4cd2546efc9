package stage

// Health summarizes the readiness of a pipeline stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// RequireBinary reports stage health based on a binary lookup result.
func RequireBinary(name, binary string, lookErr error) Health {
	if lookErr != nil {
		return Unhealthy(name, binary+" not found in PATH")
	}
	return Healthy(name)
}
