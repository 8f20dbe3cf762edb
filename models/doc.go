// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package models is a registry of lazily built artifacts ("models") shared by
// the units of a chain.
//
// A model is declared once with a Builder and a Scope. Global models are built
// at declaration. Static and Dynamic models are built on first access, at most
// once per owning chain, even when many units of that chain ask for the same
// model at the same time. Static builders receive the owning chain, Dynamic
// builders receive the unit that triggered the build.
//
// The registry is an ordinary value: chains are handed one explicitly, and a
// process may hold as many as it likes.
package models
