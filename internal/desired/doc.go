// Package desired models the desired-state document issued by the authority:
// application and file directives, lock and kiosk posture, escalation
// directives, the migration target, system settings, and display fields.
package desired
