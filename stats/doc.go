// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package stats implements the process-wide stat store. Counter and gauge
// words live in RawStatData slots handed out by a RawStatDataAllocator:
// either heap slots, or slots inside the hot-restart shared memory region
// so values survive across a restart pair. Increments are lock-free atomic
// adds; slot allocation is the only locked path.
package stats
