package session

// Logging convention in the `session` package and generally for Lumeview
// client components, using glog levels:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - poll failures and state transitions to closed
//     - abnormal exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - individual poll cycles, sends, and message deliveries with the
//       channel location that can be used to filter
