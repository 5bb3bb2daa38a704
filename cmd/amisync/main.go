// amisync keeps EC2 launch templates on the newest AMI of their source
// instance.
package main

func main() {
	Execute()
}
