// Package protocol encodes and decodes the session protocol.
//
// Inbound frames carry an interaction_type:
//
//	ping_pong          keepalive with a timestamp to echo
//	call_details       session init with the caller's from_number
//	update_only        transcript update, no response expected
//	response_required  response request for response_id
//	reminder_required  same as response_required, sent after caller silence
//
// Outbound frames carry a response_type of config, ping_pong or response.
package protocol
