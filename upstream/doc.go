// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package upstream binds logical HTTP/1 request streams to a bounded set
// of upstream connections. The pool, its clients and all callbacks run on
// one worker dispatcher; the cluster resource manager is the only state
// shared across workers.
package upstream
