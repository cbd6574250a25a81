/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package notify defines the hooks through which the server hands data
// change notifications and bounded publications to the application.
package notify

// Notifier receives data change notifications released by committed
// transactions and by the session manager. Implementations typically fan
// the changes out to subscribed clients.
type Notifier interface {
	// NotifyCreation announces created records of the named data set.
	NotifyCreation(tenantID, name string, objs []any)
	// NotifyUpdate announces updated records of the named data set.
	NotifyUpdate(tenantID, name string, objs []any)
	// NotifyDelete announces deleted records of the named data set.
	NotifyDelete(tenantID, name string, objs []any)
	// Publish replaces the full content of a bounded publication.
	Publish(name string, objs []any)
}

// Nop is a Notifier that drops everything, used when the application
// provides no publish hook.
type Nop struct{}

// NotifyCreation implements Notifier.
func (Nop) NotifyCreation(tenantID, name string, objs []any) {}

// NotifyUpdate implements Notifier.
func (Nop) NotifyUpdate(tenantID, name string, objs []any) {}

// NotifyDelete implements Notifier.
func (Nop) NotifyDelete(tenantID, name string, objs []any) {}

// Publish implements Notifier.
func (Nop) Publish(name string, objs []any) {}
