// Package bootstrap loads the model binding file: which model tags the repository serves and
// the collection each one is stored in.
package bootstrap

// ModelsConfig is the root of the model binding file.
//
//	name: shop
//	models:
//	  - shop.User
//	  - shop.Order
//	collections:
//	  shop.User: users
//	  shop.Order: orders
type ModelsConfig struct {
	Name   string   `yaml:"name" json:"name"`
	Models []string `yaml:"models" json:"models"`
	// Collections binds model tags to collection names. A model bound here is served even
	// when Models does not list it.
	Collections map[string]string `yaml:"collections" json:"collections"`
}
