// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package hotrestart lets a new process generation take over listen
// sockets and global stat counters from its predecessor without dropping
// accepted traffic. Generations talk over abstract unix datagram sockets
// (listen fds ride along as SCM_RIGHTS ancillary data) and share a
// versioned memory-mapped region holding the stat slots and the
// process-shared locks guarding them.
//
// Linux only, like the mechanisms it is built on.
package hotrestart
