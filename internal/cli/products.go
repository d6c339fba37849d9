package cli

import (
	"fmt"
	"io"
	"net"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/resolve"
)

// ProductList is the products list output.
type ProductList []registry.Product

// WriteText renders the products as a table.
func (l ProductList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No products found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSERIAL\tMAC\tPREFIX")
	for _, p := range l {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, yesNo(p.UsesSerial), yesNo(p.UsesMAC), p.SerialNumberPrefix)
	}
	return tw.Flush()
}

// ProductResult is the products create output.
type ProductResult struct {
	registry.Product
}

// WriteText renders the created product.
func (r ProductResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Created product %q (ID %d)\n", r.Name, r.ID)
	return err
}

// SerialNumberResult is the products add-serial output.
type SerialNumberResult struct {
	registry.SerialNumber
}

// WriteText renders the registered serial.
func (r SerialNumberResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Registered serial %s for product %d (ID %d)\n", r.SerialNumber.SerialNumber, r.ProductID, r.ID)
	return err
}

// MACAddressResult is the products add-mac output.
type MACAddressResult struct {
	registry.MACAddress
}

// WriteText renders the registered MAC address.
func (r MACAddressResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Registered MAC %s for product %d (ID %d)\n", r.MACAddress.MACAddress, r.ProductID, r.ID)
	return err
}

// NewProductsCommand creates the products command group.
func NewProductsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "List and create registry products",
	}
	cmd.AddCommand(newProductsListCommand(rootOpts))
	cmd.AddCommand(newProductsCreateCommand(rootOpts))
	cmd.AddCommand(newProductsAddSerialCommand(rootOpts))
	cmd.AddCommand(newProductsAddMACCommand(rootOpts))
	return cmd
}

func newProductsListCommand(opts *RootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products matching a name",
		Long: `List registry products whose name matches --name.

The registry decides how names match; an empty name lists what the
registry returns for an empty query.

Examples:
  mfgtest products list --name Widget`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			client, err := opts.registryClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid registry configuration", err)
			}
			products, err := client.FindProducts(cmd.Context(), name)
			if err != nil {
				return f.Fail(ExitFailure, "failed to list products", err)
			}
			if products == nil {
				products = []registry.Product{}
			}
			return f.Success(ProductList(products))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name to search for")
	return cmd
}

func newProductsCreateCommand(opts *RootOptions) *cobra.Command {
	var np registry.NewProduct

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a product",
		Long: `Create a registry product.

Examples:
  mfgtest products create --name Widget --uses-serial --prefix WID-`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			client, err := opts.registryClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid registry configuration", err)
			}
			p, err := client.CreateProduct(cmd.Context(), np)
			if err != nil {
				return f.Fail(ExitFailure, "failed to create product", err)
			}
			return f.Success(ProductResult{Product: p})
		},
	}
	cmd.Flags().StringVar(&np.Name, "name", "", "product name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().BoolVar(&np.UsesSerial, "uses-serial", false, "units of this product carry serial numbers")
	cmd.Flags().BoolVar(&np.UsesMAC, "uses-mac", false, "units of this product carry MAC addresses")
	cmd.Flags().StringVar(&np.SerialNumberPrefix, "prefix", "", "prefix for allocated serial numbers")
	return cmd
}

func newProductsAddSerialCommand(opts *RootOptions) *cobra.Command {
	var (
		productID int64
		serial    string
	)

	cmd := &cobra.Command{
		Use:   "add-serial",
		Short: "Register a serial number for a product",
		Long: `Register a serial number against a product without creating a unit.

The serial is normalized the same way observed serials are before it is
sent.

Examples:
  mfgtest products add-serial --product-id 7 --serial WID-0100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if productID <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid product id %d", productID))
			}
			normalized := resolve.NormalizeSerial(serial)
			if normalized == "" {
				return NewExitError(ExitCommandError, "serial number is blank")
			}
			client, err := opts.registryClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid registry configuration", err)
			}
			sn, err := client.CreateSerialNumber(cmd.Context(), productID, normalized)
			if err != nil {
				return f.Fail(ExitFailure, "failed to register serial number", err)
			}
			return f.Success(SerialNumberResult{SerialNumber: sn})
		},
	}
	cmd.Flags().Int64Var(&productID, "product-id", 0, "registry product id (required)")
	cmd.Flags().StringVar(&serial, "serial", "", "serial number to register (required)")
	_ = cmd.MarkFlagRequired("product-id")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}

func newProductsAddMACCommand(opts *RootOptions) *cobra.Command {
	var (
		productID int64
		mac       string
	)

	cmd := &cobra.Command{
		Use:   "add-mac",
		Short: "Register a MAC address for a product",
		Long: `Register a MAC address against a product.

Any spelling net.ParseMAC accepts is allowed. The address is sent in
lowercase colon form.

Examples:
  mfgtest products add-mac --product-id 7 --mac 00:1A:2B:3C:4D:5E`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if productID <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid product id %d", productID))
			}
			hw, err := net.ParseMAC(mac)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid MAC address %q", mac))
			}
			client, err := opts.registryClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid registry configuration", err)
			}
			addr, err := client.CreateMACAddress(cmd.Context(), productID, hw.String())
			if err != nil {
				return f.Fail(ExitFailure, "failed to register MAC address", err)
			}
			return f.Success(MACAddressResult{MACAddress: addr})
		},
	}
	cmd.Flags().Int64Var(&productID, "product-id", 0, "registry product id (required)")
	cmd.Flags().StringVar(&mac, "mac", "", "MAC address to register (required)")
	_ = cmd.MarkFlagRequired("product-id")
	_ = cmd.MarkFlagRequired("mac")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
