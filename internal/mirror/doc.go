// Package mirror publishes call activity for admin observers. It has no
// preemption or state-machine logic: the session path publishes and moves on.
package mirror
