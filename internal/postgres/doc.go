// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package postgres is a collection of functions that make it easier for other
// packages to build statements for the cluster catalog.
package postgres
