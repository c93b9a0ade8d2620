// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package telemetry provides metrics and tracing for stackguard.

Metrics are Prometheus collectors registered on the default registry at
package init (promauto) and updated through the Record* functions. They are
only scraped when the CLI runs with --metrics-addr, which starts Server.

Tracing uses the global OpenTelemetry TracerProvider. Components create
spans through otel.Tracer unconditionally; Init decides whether spans go
anywhere.
*/
package telemetry
