// Package cloud fetches account metadata from the device vendor's cloud API.
//
// Cloud access is strictly optional enrichment: friendly names and product
// keys for registered devices. Accounts marked no-cloud skip it entirely,
// and a failed token fetch degrades setup rather than aborting it.
package cloud
