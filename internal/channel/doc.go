// Package channel describes where a scheduled message goes.
//
// A Channel is owned by a user and carries a Kind plus opaque Credentials.
// Resolver looks channels up (the app uses the config-backed Directory) and
// Registry maps each Kind to the Dispatcher that performs the outbound send.
// Concrete dispatchers live in the email, telegram and webhook subpackages.
package channel
