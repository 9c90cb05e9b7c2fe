// Package process supervises the native host helper process.
//
// In mqtt mode the accessory bridge can launch the process that owns the
// platform accessory framework and speaks the native MQTT protocol. The
// Supervisor starts it in its own process group, logs its output, restarts
// it with exponential backoff when it exits and, when a health check is
// configured, kills it after repeated check failures so a hung host is
// replaced.
//
// Example usage:
//
//	sup, err := process.New(process.Config{
//	    Name:        "native-host",
//	    Command:     "/usr/local/bin/accessory-host",
//	    Args:        []string{"--host-id", "default"},
//	    HealthCheck: hostOnline,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
