// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VPN SSO client.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, file names, OpenVPN prompt strings, OIDC requirements
//   - Errors: sentinel errors for discovery, authorization, launch and runtime failures
//   - Interfaces: the Observer boundary to front ends, notifications, logging
//   - Logger: leveled logging backed by logrus with rotating file output
//   - Versions: the component version list shown by front ends
//
// # Usage
//
//	common.LogInfo("Loading %q connection information...", service.Name)
//
//	if errors.Is(err, common.ErrStateMismatch) {
//	    // the callback did not belong to this attempt
//	}
package common
