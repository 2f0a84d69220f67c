// Package services implements the business logic layer of the consumption
// engine. It sits between the HTTP handlers and the engine core, owning
// authorization decisions and cross-component orchestration.
//
// Each service is an interface backed by an unexported implementation so
// handlers can be tested against fakes. Authorization is fail-closed: the
// license owner may always act on their own license, while any other
// principal needs an ACTIVE grant covering the requested operation.
//
// The services are:
//
//   - LicenseService: license lifecycle and entitlement usage reporting
//   - ConsumptionService: checkout, borrow, extend and check-in
//   - GrantService: cross-account grant lifecycle
//   - TokenService: distribution token issuance and credential exchange
package services
