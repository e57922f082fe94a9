/*
sshhoneypot is an SSH honeypot that hands every
authenticated client a real shell under a
low-privilege account, recording login attempts
and typed commands as it goes.

The companion dashboard follows the shell's
transcript files and pushes new activity to
browsers over a websocket, alongside query
endpoints over the recorded sessions.
*/
package sshhoneypot
