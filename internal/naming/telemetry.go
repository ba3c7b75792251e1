// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package naming

// Tracer is the instrumentation name given to spans of this module.
const Tracer = "github.com/crunchydata/segment-recovery"
